package server

import "github.com/tarungka/telepipe/pipeline"

type ResponseModel struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CreatePipelineModel is the body of POST /pipelines. It takes the same
// shape as a pipeline entry of the config file.
type CreatePipelineModel = pipeline.PipelineConfig

type OperatorsModel struct {
	Operators []string `json:"operators"`
}
