/*
Package remote runs workers on another host and reaches them over a WebSocket, so an rpc.Client can drive a worker that isn't a local child process.

A Server spawns one worker per WebSocket connection. The worker is scoped to the connection: if the connection dies for any reason, the worker is killed.

Messages in both directions are JSON-encoded WebSocket messages; their schema is in types.go.

 1. The client opens a WebSocket connection to the server's /worker endpoint, and the server launches a worker.
 2. The client sends request lines, which the server writes to the worker's stdin.
 3. The server sends each line the worker writes to stdout or stderr.
 4. When the worker exits, the server sends a message with Exited=true and the ExitCode, then closes the connection.

The client can ask the server to kill the worker at any time.
*/
package remote
