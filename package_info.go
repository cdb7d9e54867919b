// Package ffclient is the client SDK for the flag service.
//
// A Client keeps a local copy of the server's flags and evaluates them in-process. The copy is
// bootstrapped from a full snapshot and then kept current by the server's change stream, with an
// optional periodic snapshot refresh as a backstop:
//
//	client, err := ffclient.New(ctx, ffclient.Config{BaseURI: "http://flags.internal:8080"})
//	if err != nil {
//	    log.Printf("flags not loaded yet: %s", err)
//	}
//	defer client.Close()
//
//	result, err := client.Evaluate(ctx, "ui-ver", ffmodel.NewEvalContext("user-1").With("country", "NL"))
//
// Evaluating a flag that is in the cache never touches the network. A flag that is not cached is
// evaluated by the server instead, and the result is not added to the cache.
package ffclient
