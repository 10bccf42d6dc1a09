package inference

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Every error returned by Generate before the
// first step wraps ErrConfiguration, ErrTokenization or ErrEmptyMessages;
// every error after it wraps ErrEngineOutput or a context error.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTokenization  = errors.New("tokenization error")
	ErrEngineOutput  = errors.New("engine output error")
	ErrEmptyMessages = errors.New("chat prompt has neither system nor user text")
)

// ConfigurationError reports an unusable model, tokenizer or topology.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

func newConfigurationError(op string, err error) error {
	return &ConfigurationError{Op: op, Err: err}
}

// TokenizationError reports a prompt that could not be encoded or that
// encoded to zero tokens.
type TokenizationError struct {
	Prompt string
	Err    error
}

func (e *TokenizationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tokenization: prompt of %d bytes produced no tokens", len(e.Prompt))
	}
	return fmt.Sprintf("tokenization: %v", e.Err)
}

func (e *TokenizationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTokenization}
	}
	return []error{ErrTokenization, e.Err}
}

// EngineOutputError reports an engine call that failed or returned outputs
// that break the name or shape contract. It is never retried.
type EngineOutputError struct {
	Name string
	Err  error
}

func (e *EngineOutputError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("engine output: %v", e.Err)
	}
	return fmt.Sprintf("engine output %s: %v", e.Name, e.Err)
}

func (e *EngineOutputError) Unwrap() []error {
	return []error{ErrEngineOutput, e.Err}
}

// StepError wraps a failure that aborted generation mid-run. Tokens holds
// what was sampled before the failure; it is diagnostic only and is never
// returned as a result.
type StepError struct {
	Step   int
	Tokens []int
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
