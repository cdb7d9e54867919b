package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal/endpoints"

	"github.com/gregjones/httpcache"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// Requestor makes the client's one-shot HTTP requests: fetching the full flag snapshot, and
// evaluating a flag remotely when it is not cached.
//
// Snapshot requests go through an HTTP cache, so an unchanged flag set is revalidated with
// If-None-Match and the server can answer 304 without resending it.
type Requestor struct {
	httpClient     *http.Client
	baseURI        string
	headers        http.Header
	requestTimeout time.Duration
	loggers        ldlog.Loggers
}

// NewRequestor creates a Requestor. If httpClient is nil, http.DefaultClient's transport is used.
func NewRequestor(
	httpClient *http.Client,
	baseURI string,
	headers http.Header,
	requestTimeout time.Duration,
	loggers ldlog.Loggers,
) *Requestor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	modifiedClient := *httpClient
	modifiedClient.Transport = &httpcache.Transport{
		Cache:               httpcache.NewMemoryCache(),
		MarkCachedResponses: true,
		Transport:           httpClient.Transport,
	}
	return &Requestor{
		httpClient:     &modifiedClient,
		baseURI:        baseURI,
		headers:        headers,
		requestTimeout: requestTimeout,
		loggers:        loggers,
	}
}

// RequestSnapshot fetches all flags. The second return value is true if the server reported that
// the flag set had not changed since the previous request; the flags are still returned, from the
// HTTP cache.
func (r *Requestor) RequestSnapshot(ctx context.Context) ([]ffmodel.Flag, bool, error) {
	if r.loggers.IsDebugEnabled() {
		r.loggers.Debug("Requesting flag snapshot")
	}
	body, cached, url, err := r.makeRequest(ctx, http.MethodGet, endpoints.FlagsPath, nil)
	if err != nil {
		return nil, false, err
	}
	reader := jreader.NewReader(body)
	flags := ffmodel.ReadFlagList(&reader)
	if err := reader.Error(); err != nil {
		return nil, false, MalformedResponseError{URL: url, Inner: err}
	}
	return flags, cached, nil
}

// Evaluate asks the server to evaluate a flag. A 404 response is reported as ErrFlagNotFound.
// The result value is decoded according to the declared flag type.
func (r *Requestor) Evaluate(ctx context.Context, key string, evalContext ffmodel.EvalContext) (ffmodel.EvalResult, error) {
	w := jwriter.NewWriter()
	evalContext.WriteToJSONWriter(&w)
	body, _, url, err := r.makeRequest(ctx, http.MethodPost, endpoints.EvaluatePath(key), w.Bytes())
	if err != nil {
		if hse, ok := err.(HTTPStatusError); ok && hse.StatusCode == http.StatusNotFound {
			return ffmodel.EvalResult{}, fmt.Errorf("%w: %q", ErrFlagNotFound, key)
		}
		return ffmodel.EvalResult{}, err
	}
	var result ffmodel.EvalResult
	reader := jreader.NewReader(body)
	result.ReadFromJSONReader(&reader)
	if err := reader.Error(); err != nil {
		return ffmodel.EvalResult{}, MalformedResponseError{URL: url, Inner: err}
	}
	return result, nil
}

func (r *Requestor) makeRequest(
	ctx context.Context,
	method string,
	path string,
	payload []byte,
) ([]byte, bool, string, error) {
	if r.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, endpoints.AddPath(r.baseURI, path), bodyReader)
	if reqErr != nil {
		return nil, false, "", reqErr
	}
	url := req.URL.String()
	req.Header = cloneHeaders(r.headers)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, resErr := r.httpClient.Do(req)
	if resErr != nil {
		return nil, false, url, resErr
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if err := checkForHTTPError(res.StatusCode, url); err != nil {
		return nil, false, url, err
	}

	cached := res.Header.Get(httpcache.XFromCache) != ""

	body, ioErr := io.ReadAll(res.Body)
	if ioErr != nil {
		return nil, false, url, ioErr
	}
	return body, cached, url, nil
}
