/*
Package rpc is a request/response client for a long-lived worker process that speaks newline-delimited JSON over its stdin and stdout.

Every request carries an id that is unique for the lifetime of the worker session. Requests are multiplexed onto the worker's stdin, and responses are matched back to callers by id, so concurrent requests may complete in any order.

The protocol has two messages, one per line:

	{"id": 1, "type": "ping", "params": {}}          client->worker
	{"id": 1, "ok": true, "result": true}            worker->client
	{"id": 1, "ok": false, "error": "nav_failed"}    worker->client

Each request is resolved exactly once: by its response, by its timeout, by the caller's context, or by the worker exiting. Whichever of these removes the request from the pending table first wins; the others are no-ops. Lines on stdout that are not responses, or whose id is unknown, are dropped.

The worker's stderr is treated as free-form diagnostics and is only logged.

A Client drives one worker session: once the worker exits or the client is stopped, the client is closed for good and a new Client is needed.
*/
package rpc
