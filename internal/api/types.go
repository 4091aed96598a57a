package api

import (
	"github.com/samcharles93/bergman/internal/encoding"
	"github.com/samcharles93/bergman/internal/rgma"
	"github.com/samcharles93/bergman/internal/version"
)

type EncodeRequest struct {
	encoding.Input
	IncludeTokens bool  `json:"include_tokens,omitempty"`
	Store         *bool `json:"store,omitempty"`
}

type EncodeResponse struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Pooled   [][]float64        `json:"pooled"`
	Tokens   [][][]float64      `json:"tokens,omitempty"`
	Warnings []encoding.Warning `json:"warnings"`
}

type ConfigResponse struct {
	Object  string       `json:"object"`
	Config  rgma.Config  `json:"config"`
	Version version.Info `json:"version"`
}

type DeleteEncodingResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
