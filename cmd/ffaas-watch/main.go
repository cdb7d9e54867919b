// Command ffaas-watch connects to a flag server with the client SDK and prints every state
// change and flag change until interrupted. It is useful for checking connectivity from a
// deployment.
//
// FFAAS_BASE_URI sets the server (default http://localhost:8080); FFAAS_LOG_LEVEL=debug shows the
// SDK's own logging.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ffclient "github.com/ffaaslite/go-ffaas"
	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

const defaultBaseURI = "http://localhost:8080"

func main() {
	baseURI := os.Getenv("FFAAS_BASE_URI")
	if baseURI == "" {
		baseURI = defaultBaseURI
	}
	loggers := ldlog.NewDefaultLoggers()
	if strings.EqualFold(os.Getenv("FFAAS_LOG_LEVEL"), "debug") {
		loggers.SetMinLevel(ldlog.Debug)
	} else {
		loggers.SetMinLevel(ldlog.Warn)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	then := time.Now()
	client, err := ffclient.New(ctx, ffclient.Config{BaseURI: baseURI, Loggers: loggers})
	if client == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer client.Close()
	if err != nil {
		fmt.Println("bootstrap failed:", err)
	} else {
		fmt.Printf("bootstrapped %d flags in %s\n", len(client.AllCachedFlags()), time.Since(then))
	}

	states := client.AddStateListener()
	changes := client.AddFlagChangeListener()
	for {
		select {
		case s := <-states:
			if s.Err != nil {
				fmt.Printf("%s state: %s (%s)\n", s.At.Format(time.RFC3339), s.State, s.Err)
			} else {
				fmt.Printf("%s state: %s\n", s.At.Format(time.RFC3339), s.State)
			}
		case e := <-changes:
			printChange(e)
		case <-ctx.Done():
			return
		}
	}
}

func printChange(e ffmodel.FlagChangeEvent) {
	if e.Payload.Flag == nil {
		fmt.Printf("v%d %s %s\n", e.Version, e.Type, e.Payload.Key)
		return
	}
	fmt.Printf("v%d %s %s = %s (%d rules)\n", e.Version, e.Type, e.Payload.Key,
		e.Payload.Flag.DefaultValue().JSONString(), len(e.Payload.Flag.Rules))
}
