// Package projectapi implements the Project API: a line-delimited JSON-RPC
// 2.0 protocol through which an orchestrator drives a project agent
// (generate, build, flash) and tunnels the agent's device transport.
//
// # Wire format
//
// Each request and reply is one JSON object followed by '\n'. Requests are
// served one at a time, in order:
//
//	-> {"jsonrpc":"2.0","method":"build","params":{"options":{}},"id":1}
//	<- {"jsonrpc":"2.0","id":1,"result":null}
//
// Every method has a fixed parameter set (see Schemas). A missing or extra
// parameter is rejected with INVALID_PARAMS (-32602) and an unknown method
// with METHOD_NOT_FOUND (-32601); the server keeps serving. A line that is
// not a JSON object, or whose envelope is invalid, ends the session.
//
// Binary transport payloads are base64 strings.
//
// # Errors
//
// A Handler failure is sent as code -32000 with the failure kind in message
// and data.traceback / data.error describing it:
//
//	<- {"jsonrpc":"2.0","id":7,"error":{"code":-32000,"message":"IoTimeoutError","data":{...}}}
//
// The kind of an error is derived by KindOf. On the client the reply becomes
// a *RemoteError that unwraps to the registered sentinel, so
//
//	errors.Is(err, transport.ErrTimeout)
//
// holds for both local and remote timeouts.
//
// # Server
//
//	srv := projectapi.NewServer(handler, projectapi.WithIO(r, w))
//	err := srv.Serve(ctx)
//
// # Client
//
//	c := projectapi.NewClient(r, w)
//	info, err := c.ServerInfoQuery(ctx)
//
//	tr := projectapi.NewTransport(c, projectapi.Options{"verbose": true})
//	timeouts, err := tr.Open(ctx)
//	defer tr.Close()
package projectapi
