package domain

import "time"

// InterviewDetails parameterizes the instructions given to the interviewer.
type InterviewDetails struct {
	AgentName        string        `json:"agent_name,omitempty"`
	AgentDescription string        `json:"agent_description,omitempty"`
	Difficulty       string        `json:"difficulty,omitempty"`
	ProblemType      string        `json:"problem_type,omitempty"`
	Topic            string        `json:"topic,omitempty"`
	Requirements     string        `json:"requirements,omitempty"`
	TransitionAfter  time.Duration `json:"-"`
}

// WithDefaults fills every empty field from fallback.
func (d InterviewDetails) WithDefaults(fallback InterviewDetails) InterviewDetails {
	if d.AgentName == "" {
		d.AgentName = fallback.AgentName
	}
	if d.AgentDescription == "" {
		d.AgentDescription = fallback.AgentDescription
	}
	if d.Difficulty == "" {
		d.Difficulty = fallback.Difficulty
	}
	if d.ProblemType == "" {
		d.ProblemType = fallback.ProblemType
	}
	if d.Topic == "" {
		d.Topic = fallback.Topic
	}
	if d.Requirements == "" {
		d.Requirements = fallback.Requirements
	}
	if d.TransitionAfter <= 0 {
		d.TransitionAfter = fallback.TransitionAfter
	}
	return d
}
