package queue

import "testing"

func TestValidatorAcceptsWellFormedKinds(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	valid := []string{
		`{"type":"task.new","task_id":"t1","prompt":"do x","branch_name":"feat/x"}`,
		`{"type":"task.new","task_id":"t1","prompt":"do x","issue_id":"42"}`,
		`{"type":"task.chat","task_id":"t2","prompt":"do y","chat_timestamp":"1.0","origin":"chat"}`,
		`{"type":"task.clarification_answer","task_id":"t3","answer":"yes, option b","chat_timestamp":"2.0"}`,
		`{"type":"task.change_request","task_id":"t4","prompt":"also add tests","chat_timestamp":"3.0"}`,
		`{"type":"task.retry","task_id":"t5","attempt":1}`,
		`{"type":"task.cancel","task_id":"t6"}`,
	}
	for _, payload := range valid {
		if err := v.Validate(payload); err != nil {
			t.Errorf("expected valid, got %v for %s", err, payload)
		}
	}
}

func TestValidatorRejectsMalformedKinds(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	invalid := []struct {
		name    string
		payload string
	}{
		{"missing type", `{"task_id":"t1"}`},
		{"missing task_id", `{"type":"task.cancel"}`},
		{"unknown kind", `{"type":"task.bogus","task_id":"t1"}`},
		{"new task without prompt", `{"type":"task.new","task_id":"t1","branch_name":"b"}`},
		{"new task without branch or issue", `{"type":"task.new","task_id":"t1","prompt":"p"}`},
		{"chat task without timestamp", `{"type":"task.chat","task_id":"t1","prompt":"p"}`},
		{"answer without answer text", `{"type":"task.clarification_answer","task_id":"t1","chat_timestamp":"1.0"}`},
		{"change request without prompt", `{"type":"task.change_request","task_id":"t1","chat_timestamp":"1.0"}`},
		{"retry without attempt", `{"type":"task.retry","task_id":"t1"}`},
		{"negative attempt", `{"type":"task.retry","task_id":"t1","attempt":-1}`},
		{"bad origin", `{"type":"task.cancel","task_id":"t1","origin":"smoke-signal"}`},
		{"not json", `nope`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Validate(tt.payload); err == nil {
				t.Errorf("expected validation error for %s", tt.payload)
			}
		})
	}
}
