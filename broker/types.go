package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// TaskKind names the job a worker should run.
type TaskKind string

const (
	TaskTrain TaskKind = "model_train"
	TaskInfer TaskKind = "model_inference"
)

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	return k == TaskTrain || k == TaskInfer
}

const fieldTask = "task" // discriminator inside the request body

// TaskRequest is a job as seen by a worker. Params holds the whole request
// body, so handlers can bind it into their own parameter struct.
type TaskRequest struct {
	Kind          TaskKind
	Params        json.RawMessage
	CorrelationID string
	ReplyTo       string
}

// TaskResult is the single reply to a TaskRequest. Result is empty when
// Error is set.
type TaskResult struct {
	CorrelationID string   `json:"-"`
	Result        []string `json:"result"`
	Error         string   `json:"error"`
}

// Failed reports whether the worker answered with an error.
func (r TaskResult) Failed() bool { return r.Error != "" }

// encodeTaskBody flattens params into a JSON object and adds the "task"
// discriminator next to them.
func encodeTaskBody(kind TaskKind, params any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("params must encode to a JSON object: %w", err)
			}
		}
	}
	k, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields[fieldTask] = k
	return json.Marshal(fields)
}

func decodeTaskRequest(m Message) (TaskRequest, error) {
	req := TaskRequest{
		Params:        json.RawMessage(m.Body),
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
	}
	var head struct {
		Task TaskKind `json:"task"`
	}
	if err := json.Unmarshal(m.Body, &head); err != nil {
		return req, fmt.Errorf("decode task request: %w", err)
	}
	if head.Task == "" {
		return req, errors.New("decode task request: missing task field")
	}
	req.Kind = head.Task
	return req, nil
}

func encodeTaskResult(r TaskResult) ([]byte, error) {
	return json.Marshal(r)
}

func decodeTaskResult(m Message) (TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(m.Body, &r); err != nil {
		return TaskResult{}, fmt.Errorf("decode task result: %w", err)
	}
	r.CorrelationID = m.CorrelationID
	return r, nil
}
