package queue

import "testing"

func TestTaskTypeNext(t *testing.T) {
	tests := []struct {
		in     TaskType
		want   TaskType
		wantOK bool
	}{
		{TaskEvaluate, TaskRefine, true},
		{TaskRefine, TaskGeneratePrompt, true},
		{TaskGeneratePrompt, TaskCheckResponse, true},
		{TaskCheckResponse, "", false},
		{TaskSyncState, "", false},
	}
	for _, tt := range tests {
		got, ok := tt.in.Next()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%s.Next() = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPayloadValidate(t *testing.T) {
	p := &Payload{
		Evaluate:      &EvaluateData{Title: "t"},
		CheckResponse: &CheckResponseData{Prompt: "p"},
	}

	if err := p.Validate(TaskEvaluate); err != nil {
		t.Errorf("Validate(evaluate) error: %v", err)
	}
	if err := p.Validate(TaskCheckResponse); err != nil {
		t.Errorf("Validate(check_response) error: %v", err)
	}
	if err := p.Validate(TaskRefine); err == nil {
		t.Error("Validate(refine) succeeded without a refine section")
	}
	if err := p.Validate("bogus"); err == nil {
		t.Error("Validate(bogus) succeeded")
	}

	var nilPayload *Payload
	if err := nilPayload.Validate(TaskEvaluate); err == nil {
		t.Error("nil payload Validate() succeeded")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
