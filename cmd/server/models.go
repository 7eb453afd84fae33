package main

import (
	"github.com/flowflex/stagecondition/condition"
	"github.com/flowflex/stagecondition/internal/logger"
)

// API request and response models

// EvaluationResponse wraps a condition evaluation result
type EvaluationResponse struct {
	*condition.ConditionEvaluationResult
	Locked         bool   `json:"locked" example:"true"`
	EvaluationTime string `json:"evaluationTime" example:"1.2ms"`
} // @name EvaluationResponse

// ValidateConditionRequest is the body of the validate endpoint
type ValidateConditionRequest struct {
	RulesJSON string `json:"rulesJson" example:"[{\"workflowName\":\"StageCondition\",\"rules\":[{\"ruleName\":\"Done\",\"expression\":\"input.checklist.completionPercentage >= 100\"}]}]"`
} // @name ValidateConditionRequest

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status" example:"healthy"`
	TenantsLoaded int    `json:"tenantsLoaded" example:"3"`
	Error         string `json:"error,omitempty"`
} // @name HealthResponse

// TenantsListResponse lists the tenants with a loaded evaluator
type TenantsListResponse struct {
	Tenants []string `json:"tenants"`
} // @name TenantsListResponse

// MetricsResponse exposes the process counters
type MetricsResponse struct {
	Counters logger.Counters `json:"counters"`
} // @name MetricsResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid request body"`
	Details string `json:"details,omitempty" example:"unexpected end of JSON input"`
} // @name ErrorResponse
