// Package datastore contains the client SDK's local flag cache.
package datastore
