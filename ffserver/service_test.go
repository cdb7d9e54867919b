package ffserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/ffstore"
	"github.com/ffaaslite/go-ffaas/internal/feed"
	"github.com/ffaaslite/go-ffaas/internal/realtime"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
	th "github.com/launchdarkly/go-test-helpers/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// changeRecorder is a stream subscriber that keeps only the change events.
type changeRecorder struct {
	events chan ffmodel.FlagChangeEvent
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{events: make(chan ffmodel.FlagChangeEvent, 1000)}
}

func (c *changeRecorder) Write(frame []byte) error {
	decoder := feed.NewDecoder(bytes.NewReader(frame), 0)
	for {
		rec, err := decoder.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Event != feed.FlagChangeEventName {
			continue
		}
		event, err := feed.ParseChangeEvent([]byte(rec.Data))
		if err != nil {
			return err
		}
		c.events <- event
	}
}

func (c *changeRecorder) requireEvent(t *testing.T) ffmodel.FlagChangeEvent {
	t.Helper()
	return th.RequireValue(t, c.events, testTimeout)
}

type serviceTestParams struct {
	service     *Service
	store       *ffstore.MemDB
	broadcaster *realtime.Broadcaster
	changes     *changeRecorder
	metrics     *Metrics
	mockLog     *ldlogtest.MockLog
}

func withService(t *testing.T, configure func(*ServiceConfig), action func(p serviceTestParams)) {
	t.Helper()
	p := serviceTestParams{
		store:   ffstore.NewMemDB(),
		changes: newChangeRecorder(),
		metrics: NewMetrics(nil),
		mockLog: ldlogtest.NewMockLog(),
	}
	p.broadcaster = realtime.NewBroadcaster(realtime.Config{
		HeartbeatInterval: time.Hour,
		Observer:          p.metrics,
		Loggers:           p.mockLog.Loggers,
	})
	defer p.broadcaster.Close()
	_, err := p.broadcaster.Subscribe(p.changes)
	require.NoError(t, err)

	cfg := ServiceConfig{
		Store:       p.store,
		Broadcaster: p.broadcaster,
		Metrics:     p.metrics,
		Loggers:     p.mockLog.Loggers,
		Now:         func() time.Time { return testTime },
	}
	if configure != nil {
		configure(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	p.service = service
	action(p)
}

func boolInput(key string, value bool, rules ...ffmodel.TargetRule) FlagInput {
	return FlagInput{Key: key, Type: ffmodel.TypeBoolean, Default: ldvalue.Bool(value), Rules: rules}
}

func TestNewServiceRequiresBroadcaster(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)
}

func TestCreateStoresFlagAndBroadcasts(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		flag, err := p.service.Create(context.Background(), "alice", boolInput("new-ui", true))
		require.NoError(t, err)
		assert.NotEmpty(t, flag.ID)
		assert.Equal(t, testTime, flag.UpdatedAt)

		stored, ok, err := p.store.FindByKey(context.Background(), "new-ui")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, flag.ID, stored.ID)

		event := p.changes.requireEvent(t)
		assert.Equal(t, ffmodel.ChangeCreated, event.Type)
		assert.Equal(t, int64(1), event.Version)
		assert.Equal(t, "new-ui", event.Payload.Key)
		require.NotNil(t, event.Payload.Flag)
		assert.Equal(t, ldvalue.Bool(true), event.Payload.Flag.DefaultValue())

		entries, err := p.service.Audit(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "alice", entries[0].Actor)
		assert.Equal(t, ffmodel.AuditCreate, entries[0].Action)
		assert.Nil(t, entries[0].Before)
		require.NotNil(t, entries[0].After)
		assert.Equal(t, flag.ID, entries[0].After.ID)
	})
}

func TestCreateExistingKeyFails(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		_, err := p.service.Create(context.Background(), "", boolInput("f", true))
		require.NoError(t, err)
		_, err = p.service.Create(context.Background(), "", boolInput("f", false))
		assert.Equal(t, ErrAlreadyExists, err)
		p.changes.requireEvent(t)
		th.AssertNoMoreValues(t, p.changes.events, 50*time.Millisecond)
	})
}

func TestCreateValidation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input FlagInput
		field string
	}{
		{"empty key", boolInput("", true), "key"},
		{"unknown type", FlagInput{Key: "f", Type: "json"}, "type"},
		{"default of wrong type", FlagInput{Key: "f", Type: ffmodel.TypeNumber, Default: ldvalue.String("x")}, "default value"},
		{"rule without operator", boolInput("f", true, ffmodel.TargetRule{Attribute: "country"}), "rules[0].operator"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			withService(t, nil, func(p serviceTestParams) {
				_, err := p.service.Create(context.Background(), "", tc.input)
				var ve *ValidationError
				require.True(t, errors.As(err, &ve), "error was %v", err)
				assert.Equal(t, tc.field, ve.Field)
				flags, err := p.service.List(context.Background())
				require.NoError(t, err)
				assert.Len(t, flags, 0)
			})
		})
	}
}

func TestCreateAcceptsNullDefault(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		flag, err := p.service.Create(context.Background(), "", FlagInput{Key: "f", Type: ffmodel.TypeString})
		require.NoError(t, err)
		assert.True(t, flag.DefaultValue().IsNull())
	})
}

func TestCreateWarnsAboutRuleWithoutOverride(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		rule := ffmodel.TargetRule{Attribute: "country", Operator: ffmodel.OperatorEqual, Value: "NL"}
		_, err := p.service.Create(context.Background(), "", boolInput("f", true, rule))
		require.NoError(t, err)
		p.mockLog.AssertMessageMatch(t, true, ldlog.Warn, `Rule 0 of flag "f" has no boolean override`)
	})
}

func TestUpdateReplacesDefinition(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		created, err := p.service.Create(context.Background(), "", boolInput("f", false))
		require.NoError(t, err)

		updated, err := p.service.Update(context.Background(), "bob", "f", FlagUpdate{
			Type:               ffmodel.TypeString,
			Default:            ldvalue.String("v2"),
			LastKnownUpdatedAt: created.UpdatedAt,
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, ffmodel.TypeString, updated.Type)
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

		p.changes.requireEvent(t)
		event := p.changes.requireEvent(t)
		assert.Equal(t, ffmodel.ChangeUpdated, event.Type)
		assert.Equal(t, int64(2), event.Version)
		assert.Equal(t, ldvalue.String("v2"), event.Payload.Flag.DefaultValue())

		entries, err := p.service.Audit(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ffmodel.AuditUpdate, entries[0].Action)
		assert.Equal(t, "bob", entries[0].Actor)
		require.NotNil(t, entries[0].Before)
		assert.Equal(t, ffmodel.TypeBoolean, entries[0].Before.Type)
	})
}

func TestUpdateWithoutTokenFails(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		created, err := p.service.Create(context.Background(), "", boolInput("f", false))
		require.NoError(t, err)

		_, err = p.service.Update(context.Background(), "", "f", FlagUpdate{Type: ffmodel.TypeBoolean})
		assert.True(t, errors.Is(err, ErrMissingToken))
		var mte *MissingTokenError
		require.True(t, errors.As(err, &mte))
		assert.Equal(t, created.UpdatedAt, mte.Current)
	})
}

func TestUpdateWithStaleTokenFails(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		created, err := p.service.Create(context.Background(), "", boolInput("f", false))
		require.NoError(t, err)
		_, err = p.service.Update(context.Background(), "", "f", FlagUpdate{
			Type: ffmodel.TypeBoolean, LastKnownUpdatedAt: created.UpdatedAt,
		})
		require.NoError(t, err)

		_, err = p.service.Update(context.Background(), "", "f", FlagUpdate{
			Type: ffmodel.TypeBoolean, LastKnownUpdatedAt: created.UpdatedAt,
		})
		var ce *ConflictError
		require.True(t, errors.As(err, &ce), "error was %v", err)
		current, err := p.service.Get(context.Background(), "f")
		require.NoError(t, err)
		assert.Equal(t, current.UpdatedAt, ce.Current)
	})
}

func TestUpdateMissingFlagFails(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		_, err := p.service.Update(context.Background(), "", "nope", FlagUpdate{
			Type: ffmodel.TypeBoolean, LastKnownUpdatedAt: testTime,
		})
		assert.Equal(t, ErrNotFound, err)
	})
}

func TestConcurrentUpdatesWithSameTokenAllowOnlyOne(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		created, err := p.service.Create(context.Background(), "", boolInput("f", false))
		require.NoError(t, err)

		const writers = 10
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := p.service.Update(context.Background(), fmt.Sprintf("writer%d", i), "f", FlagUpdate{
					Type: ffmodel.TypeBoolean, Default: ldvalue.Bool(true), LastKnownUpdatedAt: created.UpdatedAt,
				})
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		successes, conflicts := 0, 0
		for err := range results {
			var ce *ConflictError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &ce):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)
	})
}

func TestTimestampsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		a, err := p.service.Create(context.Background(), "", boolInput("a", true))
		require.NoError(t, err)
		b, err := p.service.Create(context.Background(), "", boolInput("b", true))
		require.NoError(t, err)
		assert.Equal(t, a.UpdatedAt.Add(time.Microsecond), b.UpdatedAt)
	})
}

func TestDeleteRemovesFlagAndBroadcasts(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		_, err := p.service.Create(context.Background(), "", boolInput("f", true))
		require.NoError(t, err)
		require.NoError(t, p.service.Delete(context.Background(), "carol", "f"))

		_, err = p.service.Get(context.Background(), "f")
		assert.Equal(t, ErrNotFound, err)

		p.changes.requireEvent(t)
		event := p.changes.requireEvent(t)
		assert.Equal(t, ffmodel.ChangeDeleted, event.Type)
		assert.Equal(t, "f", event.Payload.Key)
		assert.Nil(t, event.Payload.Flag)

		entries, err := p.service.Audit(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ffmodel.AuditDelete, entries[0].Action)
		assert.NotNil(t, entries[0].Before)
		assert.Nil(t, entries[0].After)
	})
}

func TestDeleteMissingFlagFails(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		assert.Equal(t, ErrNotFound, p.service.Delete(context.Background(), "", "nope"))
		th.AssertNoMoreValues(t, p.changes.events, 50*time.Millisecond)
	})
}

func TestEvaluateCountsVariants(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		rule := ffmodel.TargetRule{Attribute: "country", Operator: ffmodel.OperatorEqual, Value: "NL"}.
			WithOverride(ldvalue.String("v2"))
		_, err := p.service.Create(context.Background(), "", FlagInput{
			Key: "ui-ver", Type: ffmodel.TypeString, Default: ldvalue.String("v1"), Rules: []ffmodel.TargetRule{rule},
		})
		require.NoError(t, err)

		result, err := p.service.Evaluate(context.Background(), "ui-ver", ffmodel.NewEvalContext("u1").With("country", "NL"))
		require.NoError(t, err)
		assert.Equal(t, ldvalue.String("v2"), result.Value)
		assert.Equal(t, ffmodel.VariantRule, result.Variant)

		result, err = p.service.Evaluate(context.Background(), "ui-ver", ffmodel.NewEvalContext("u2"))
		require.NoError(t, err)
		assert.Equal(t, ffmodel.VariantDefault, result.Variant)

		assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.evaluations.WithLabelValues(ffmodel.VariantRule)))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.evaluations.WithLabelValues(ffmodel.VariantDefault)))

		_, err = p.service.Evaluate(context.Background(), "nope", ffmodel.EvalContext{})
		assert.Equal(t, ErrNotFound, err)
	})
}

func TestAuditLimits(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		for i := 0; i < DefaultAuditLimit+5; i++ {
			_, err := p.service.Create(context.Background(), "", boolInput(fmt.Sprintf("f%03d", i), true))
			require.NoError(t, err)
		}
		entries, err := p.service.Audit(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, entries, DefaultAuditLimit)
		assert.Equal(t, fmt.Sprintf("f%03d", DefaultAuditLimit+4), entries[0].FlagKey)

		entries, err = p.service.Audit(context.Background(), 3)
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		entries, err = p.service.Audit(context.Background(), MaxAuditLimit*2)
		require.NoError(t, err)
		assert.Len(t, entries, DefaultAuditLimit+5)
	})
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, ffmodel.AuditEntry) error {
	return errors.New("disk full")
}

func (failingAudit) List(context.Context, int) ([]ffmodel.AuditEntry, error) {
	return nil, nil
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	withService(t, func(c *ServiceConfig) { c.Audit = failingAudit{} }, func(p serviceTestParams) {
		_, err := p.service.Create(context.Background(), "", boolInput("f", true))
		require.NoError(t, err)
		p.changes.requireEvent(t)
		p.mockLog.AssertMessageMatch(t, true, ldlog.Error, "Failed to record audit entry.*disk full")
	})
}

func TestStreamMetrics(t *testing.T) {
	withService(t, nil, func(p serviceTestParams) {
		assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.subscribers))
		_, err := p.service.Create(context.Background(), "", boolInput("f", true))
		require.NoError(t, err)
		p.changes.requireEvent(t)
		assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.events.WithLabelValues(string(ffmodel.ChangeCreated))))
	})
}
