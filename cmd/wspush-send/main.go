// Command wspush-send reads a push request as JSON from stdin and sends it to
// the server's IPC socket (WSPUSH_IPC_SOCKET).
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wspush/wspush/internal/config"
	"github.com/wspush/wspush/internal/ipc"
	"github.com/wspush/wspush/internal/route"
)

type routeFilter struct {
	route.Route
	IgnorePass  bool `json:"ignorePass"`
	IgnoreQuery bool `json:"ignoreQuery"`
}

type input struct {
	Controller string          `json:"controller"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	SessionIDs []string        `json:"sessionIds"`
	UserIDs    []int64         `json:"userIds"`
	Routes     []routeFilter   `json:"routes"`
	RoutesMd5  []string        `json:"routesMd5"`
}

type output struct {
	Sent   bool   `json:"sent"`
	Socket string `json:"socket"`
}

var errNotListening = errors.New("no server listening")

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := run(ipc.NewClient(cfg.IPCSocketPath), cfg.IPCSocketPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(client *ipc.Client, path string, stdin io.Reader, stdout io.Writer) error {
	var in input
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}

	p := ipc.Payload{Controller: in.Controller, Action: in.Action, Payload: in.Payload}
	p.Filters.AddSession(in.SessionIDs...)
	p.Filters.AddUser(in.UserIDs...)
	for _, r := range in.Routes {
		p.Filters.AddRoute(r.Route, r.IgnorePass, r.IgnoreQuery)
	}
	p.Filters.RoutesMd5 = append(p.Filters.RoutesMd5, in.RoutesMd5...)

	if !client.IsOpen() {
		return fmt.Errorf("%w at %s", errNotListening, path)
	}
	if err := client.Send(p); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	if err := json.NewEncoder(stdout).Encode(output{Sent: true, Socket: path}); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
