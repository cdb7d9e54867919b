package fffiledata

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/ffserver"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// FlagService is the part of ffserver.Service that Apply uses.
type FlagService interface {
	Get(ctx context.Context, key string) (ffmodel.Flag, error)
	Create(ctx context.Context, actor string, input ffserver.FlagInput) (ffmodel.Flag, error)
	Update(ctx context.Context, actor string, key string, update ffserver.FlagUpdate) (ffmodel.Flag, error)
}

// ApplyResult counts what Apply did.
type ApplyResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// Apply creates each flag that does not exist and updates each one whose definition differs from
// the stored flag. Flags that exist only in the service are left alone. Apply stops at the first
// error; the flags before it have already been written.
func Apply(ctx context.Context, service FlagService, actor string, flags []ffmodel.Flag) (ApplyResult, error) {
	var result ApplyResult
	for _, flag := range flags {
		existing, err := service.Get(ctx, flag.Key)
		switch {
		case errors.Is(err, ffserver.ErrNotFound):
			if _, err := service.Create(ctx, actor, ffserver.FlagInput{
				Key:     flag.Key,
				Type:    flag.Type,
				Default: flag.DefaultValue(),
				Rules:   flag.Rules,
			}); err != nil {
				return result, err
			}
			result.Created++
		case err != nil:
			return result, err
		case sameDefinition(existing, flag):
			result.Unchanged++
		default:
			if _, err := service.Update(ctx, actor, flag.Key, ffserver.FlagUpdate{
				Type:               flag.Type,
				Default:            flag.DefaultValue(),
				Rules:              flag.Rules,
				LastKnownUpdatedAt: existing.UpdatedAt,
			}); err != nil {
				return result, err
			}
			result.Updated++
		}
	}
	return result, nil
}

// sameDefinition compares everything but the server-assigned ID and UpdatedAt.
func sameDefinition(a, b ffmodel.Flag) bool {
	return bytes.Equal(definitionJSON(a), definitionJSON(b))
}

func definitionJSON(f ffmodel.Flag) []byte {
	f.ID = ""
	f.UpdatedAt = time.Time{}
	w := jwriter.NewWriter()
	f.WriteToJSONWriter(&w)
	return w.Bytes()
}

// Reloader returns a function that loads the files and applies them, logging the outcome. It is
// meant to be passed to Watch.
func Reloader(ctx context.Context, service FlagService, actor string, paths []string, loggers ldlog.Loggers) func() {
	return func() {
		flags, err := Load(paths...)
		if err != nil {
			loggers.Errorf("Unable to load flags: %s", err)
			return
		}
		result, err := Apply(ctx, service, actor, flags)
		if err != nil {
			loggers.Errorf("Unable to apply flags from seed files: %s", err)
			return
		}
		loggers.Infof("Applied seed files: %d created, %d updated, %d unchanged",
			result.Created, result.Updated, result.Unchanged)
	}
}
