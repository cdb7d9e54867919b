// Package datasource contains the client SDK's network components: the HTTP requestor for
// snapshots and remote evaluations, the change-feed stream processor, and the background refresher.
package datasource
