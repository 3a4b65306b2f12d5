package command

import (
	"encoding/json"
	"fmt"
)

// Registry returns every tangoctl command keyed by "service action",
// mirroring the façade routes in internal/facade/server.go.
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "open",
			Action:       "open",
			Method:       "POST",
			PathTemplate: "/api/v1/open",
			RequiresAuth: true,
		},
		{
			Service:      "upload",
			Action:       "file",
			Method:       "POST",
			PathTemplate: "/api/v1/upload/:filename",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "filename", Prompt: "filename", Type: FieldString, Required: true},
				{Name: "file", Prompt: "local file path", Type: FieldFile, Required: true},
			},
		},
		{
			Service:      "job",
			Action:       "add",
			Method:       "POST",
			PathTemplate: "/api/v1/jobs",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "image", Prompt: "image", Type: FieldString, Required: true},
				{Name: "input_files", Prompt: "input files (JSON array of {localFile,destFile})", Type: FieldJSON, Required: true},
				{Name: "output_file", Prompt: "output spec (JSON {destPath,format,callbackURL})", Type: FieldJSON, Required: true},
				{Name: "timeout", Prompt: "timeout seconds", Type: FieldInt, Required: true},
				{Name: "notify_url", Prompt: "notify url", Type: FieldString, Required: false},
				{Name: "max_output_file_size", Prompt: "max output bytes", Type: FieldInt64, Required: false},
			},
		},
		{
			Service:      "job",
			Action:       "poll",
			Method:       "GET",
			PathTemplate: "/api/v1/jobs/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "job id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "job",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/jobs",
			RequiresAuth: true,
		},
		{
			Service:      "broker",
			Action:       "info",
			Method:       "GET",
			PathTemplate: "/api/v1/info",
			RequiresAuth: true,
		},
		{
			Service:      "pool",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/pool",
			RequiresAuth: true,
		},
		{
			Service:      "pool",
			Action:       "set",
			Method:       "POST",
			PathTemplate: "/api/v1/pool/:image",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "image", Prompt: "image", Type: FieldString, Required: true},
				{Name: "target", Prompt: "target pool size", Type: FieldInt, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest turns a Command plus its Params into an HTTP request spec.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{Method: cmd.Method, Path: path, Body: body}, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch fmt.Sprintf("%s %s", cmd.Service, cmd.Action) {
	case "job add":
		return buildAddJobPayload(params)
	case "pool set":
		target, err := ParseInt(params.Get("target"))
		if err != nil {
			return nil, fmt.Errorf("invalid target: %w", err)
		}
		return map[string]int{"target": target}, nil
	default:
		return nil, nil
	}
}

func buildAddJobPayload(params Params) (interface{}, error) {
	inputFiles, err := ParseJSON(params.Get("input_files"))
	if err != nil {
		return nil, fmt.Errorf("invalid input_files: %w", err)
	}
	outputFile, err := ParseJSON(params.Get("output_file"))
	if err != nil {
		return nil, fmt.Errorf("invalid output_file: %w", err)
	}
	timeout, err := ParseInt(params.Get("timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	payload := map[string]interface{}{
		"image":      params.Get("image"),
		"inputFiles": json.RawMessage(inputFiles),
		"outputFile": json.RawMessage(outputFile),
		"timeout":    timeout,
	}
	if params.Get("notify_url") != "" {
		payload["notifyURL"] = params.Get("notify_url")
	}
	if params.Get("max_output_file_size") != "" {
		size, err := ParseInt64(params.Get("max_output_file_size"))
		if err != nil {
			return nil, fmt.Errorf("invalid max_output_file_size: %w", err)
		}
		payload["maxOutputFileSize"] = size
	}
	return payload, nil
}
