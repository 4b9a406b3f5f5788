// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command orchestratorctl is the operator CLI for an orchestratord
// instance: it submits tasks, polls status, cancels workflows, and
// inspects recovery budget accounting, talking to the daemon's HTTP
// surface rather than any in-process state (§6 "Operator CLI").
//
// Exit codes: 0 success, 1 invalid arguments, 2 backend unreachable,
// 3 task not found, 4 operation rejected.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"

	"github.com/agentmesh/orchestrator/pkg/config"
)

const (
	exitSuccess         = 0
	exitInvalidArgs     = 1
	exitBackendDown     = 2
	exitNotFound        = 3
	exitOperationFailed = 4
)

// CLI defines orchestratorctl's subcommands.
type CLI struct {
	Submit   SubmitCmd   `cmd:"" help:"Submit a new task."`
	Status   StatusCmd   `cmd:"" help:"Get a task's current status."`
	Cancel   CancelCmd   `cmd:"" help:"Cancel a task."`
	Recovery RecoveryCmd `cmd:"" help:"Inspect a task's recovery budget."`
	Agents   AgentsCmd   `cmd:"" help:"List registered agents."`
	Schema   SchemaCmd   `cmd:"" help:"Print the orchestrator's config JSON Schema."`

	Server  string        `help:"orchestratord base URL." default:"http://localhost:8080" env:"ORCHESTRATOR_ADDR"`
	Token   string        `help:"Bearer token for authenticated requests." env:"ORCHESTRATOR_TOKEN"`
	Timeout time.Duration `help:"Request timeout." default:"10s"`
}

type ctlError struct {
	exitCode int
	message  string
}

func (e *ctlError) Error() string { return e.message }

// client wraps the HTTP calls every subcommand needs, attaching the
// bearer token and mapping transport/HTTP failures onto exit codes.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(cli *CLI) *client {
	return &client{baseURL: cli.Server, token: cli.Token, http: &http.Client{Timeout: cli.Timeout}}
}

func (c *client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &ctlError{exitInvalidArgs, "encode request: " + err.Error()}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, &ctlError{exitInvalidArgs, "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &ctlError{exitBackendDown, "orchestratord unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &ctlError{exitBackendDown, "read response: " + err.Error()}
	}
	return resp.StatusCode, data, nil
}

// statusToExit maps an HTTP status from a failed call onto an operator
// exit code (§6).
func statusToExit(status int) int {
	switch status {
	case http.StatusNotFound:
		return exitNotFound
	case http.StatusBadRequest:
		return exitInvalidArgs
	default:
		return exitOperationFailed
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeError(status int, data []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		return &ctlError{statusToExit(status), apiErr.Message}
	}
	return &ctlError{statusToExit(status), fmt.Sprintf("unexpected status %d", status)}
}

// SubmitCmd implements `orchestratorctl submit`.
type SubmitCmd struct {
	Title       string `arg:"" help:"Task title."`
	Description string `help:"Task description."`
	Type        string `help:"Task type."`
	Priority    int    `help:"Task priority, 1 (highest) to 5 (lowest)." default:"3"`
}

func (c *SubmitCmd) Run(cli *CLI) error {
	if c.Priority < 1 || c.Priority > 5 {
		return &ctlError{exitInvalidArgs, "priority must be between 1 and 5"}
	}

	cl := newClient(cli)
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	status, data, err := cl.do(ctx, http.MethodPost, "/v1/tasks", map[string]interface{}{
		"title":       c.Title,
		"description": c.Description,
		"type":        c.Type,
		"priority":    c.Priority,
	})
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return decodeError(status, data)
	}
	fmt.Println(string(data))
	return nil
}

// StatusCmd implements `orchestratorctl status`.
type StatusCmd struct {
	TaskID string `arg:"" help:"Task ID."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	cl := newClient(cli)
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	status, data, err := cl.do(ctx, http.MethodGet, "/v1/tasks/"+c.TaskID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, data)
	}
	fmt.Println(string(data))
	return nil
}

// CancelCmd implements `orchestratorctl cancel`. Cancelling an
// already-completed task is a no-op success, not an error (§6).
type CancelCmd struct {
	TaskID string `arg:"" help:"Task ID."`
}

func (c *CancelCmd) Run(cli *CLI) error {
	cl := newClient(cli)
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	status, data, err := cl.do(ctx, http.MethodPost, "/v1/tasks/"+c.TaskID+"/cancel", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, data)
	}
	fmt.Println(string(data))
	return nil
}

// RecoveryCmd implements `orchestratorctl recovery`.
type RecoveryCmd struct {
	TaskID string `arg:"" help:"Task ID."`
}

func (c *RecoveryCmd) Run(cli *CLI) error {
	cl := newClient(cli)
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	status, data, err := cl.do(ctx, http.MethodGet, "/v1/tasks/"+c.TaskID+"/recovery", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, data)
	}
	fmt.Println(string(data))
	return nil
}

// AgentsCmd implements `orchestratorctl agents`.
type AgentsCmd struct{}

func (c *AgentsCmd) Run(cli *CLI) error {
	cl := newClient(cli)
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	status, data, err := cl.do(ctx, http.MethodGet, "/v1/agents", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, data)
	}
	fmt.Println(string(data))
	return nil
}

// SchemaCmd generates a JSON Schema document for config.Config, the way
// the teacher's `cmd/hector schema` subcommand does for its own config
// struct: operators and config-editing tooling can validate an
// orchestrator.yaml file against it without a running daemon.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://agentmesh.dev/schemas/orchestrator-config.json"
	schema.Title = "Orchestrator Configuration Schema"
	schema.Description = "Configuration schema for the multi-agent task orchestration runtime."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return &ctlError{exitOperationFailed, "encode schema: " + err.Error()}
	}
	return nil
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("orchestratorctl"),
		kong.Description("Operator CLI for the orchestrator daemon."),
	)
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestratorctl:", err)
		os.Exit(exitInvalidArgs)
	}

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratorctl:", err)
		if ce, ok := err.(*ctlError); ok {
			os.Exit(ce.exitCode)
		}
		os.Exit(exitOperationFailed)
	}
	os.Exit(exitSuccess)
}
