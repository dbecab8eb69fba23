package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexBool is a boolean that tolerates the engine's mixed encodings: JSON
// booleans, 0/1 numbers, and "true"/"false" or numeric strings.
type FlexBool bool

// UnmarshalJSON decodes data from any of the accepted encodings. Numbers coerce
// as 0=false, non-zero=true.
func (f *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch s {
	case "true":
		*f = true
		return nil
	case "false", "null":
		*f = false
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "true":
			*f = true
			return nil
		case "false", "":
			*f = false
			return nil
		default:
			n, err := strconv.ParseFloat(str, 64)
			if err != nil {
				return fmt.Errorf("cannot decode %q as boolean", str)
			}
			*f = n != 0
			return nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("cannot decode %s as boolean", s)
	}
	*f = n != 0
	return nil
}

// MarshalJSON always emits a plain JSON boolean.
func (f FlexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}

// Bool returns the plain boolean value.
func (f FlexBool) Bool() bool {
	return bool(f)
}

// WorkItem is one unit of work polled from the engine. A step execution ID
// uniquely identifies one attempt; (StepNamespace, StepName) must resolve to
// a registered worker.
type WorkItem struct {
	StepID          int64          `json:"stepId"`
	ProcessID       int64          `json:"processId"`
	StepExecutionID int64          `json:"stepExecutionId"`
	RunCount        int32          `json:"runCount"`
	StepName        string         `json:"stepName"`
	StepNamespace   string         `json:"stepNamespace"`
	StepRef         string         `json:"stepRef,omitempty"`
	InputParam      map[string]any `json:"inputParam"`
	IsOptional      FlexBool       `json:"isOptional"`
	Polled          FlexBool       `json:"polled"`
	Started         int64          `json:"started"`
	Scheduled       int64          `json:"scheduled"`
	Updated         int64          `json:"updated"`
	Priority        int32          `json:"priority"`
}
