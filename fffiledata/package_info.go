// Package fffiledata seeds the flag server from YAML or JSON files.
//
// A file contains either a list of flags, or an object with a "flags" list and/or a
// "flagValues" map of simple flags that have only a default value:
//
//	flags:
//	  - key: ui-ver
//	    type: string
//	    stringValue: v1
//	    rules:
//	      - attribute: country
//	        operator: eq
//	        value: NL
//	        stringOverride: v2
//	flagValues:
//	  new-checkout: true
//	  max-items: 20
//
// The type of a flagValues entry follows its value. A key may be defined only once across all of
// the files given to Load.
//
// Apply writes the loaded flags through the flag service, so existing subscribers receive the
// changes as ordinary change events. Watch reloads whenever one of the files changes.
package fffiledata
