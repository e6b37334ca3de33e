package model

import "time"

const EnvelopeVersion = "v1"

// Envelope wraps every CLI and HTTP response.
type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	ChainID   int64     `json:"chain_id,omitempty"`
	Signer    string    `json:"signer,omitempty"`
	DryRun    bool      `json:"dry_run"`
}

// ExecuteRequest is the body accepted by the execute endpoint.
type ExecuteRequest struct {
	MaxWaitMS int64 `json:"maxWaitMs"`
}

type Health struct {
	Status    string `json:"status"`
	ChainID   int64  `json:"chain_id"`
	Custodial string `json:"custodial"`
	Signer    string `json:"signer"`
	DryRun    bool   `json:"dry_run"`
	Version   string `json:"version"`
}
