package models

import "testing"

func TestIsToolResultMessage(t *testing.T) {
	pure := Message{Content: []ContentBlock{
		NewToolResultBlock("c1", "ok", false),
		NewToolResultBlock("c2", "ok", false),
	}}
	if !pure.IsToolResultMessage() {
		t.Fatal("pure tool-result message not recognized")
	}

	mixed := Message{Content: []ContentBlock{
		NewToolResultBlock("c1", "ok", false),
		{Type: BlockText, Text: "hi"},
	}}
	if mixed.IsToolResultMessage() {
		t.Fatal("mixed message recognized as tool-result message")
	}

	empty := Message{}
	if empty.IsToolResultMessage() {
		t.Fatal("empty message recognized as tool-result message")
	}
}

func TestReminderMessages(t *testing.T) {
	msg := NewReminderMessage("todo", "update your list")
	if !msg.IsReminder() {
		t.Fatal("reminder not tagged")
	}
	if msg.Role != RoleSystem {
		t.Fatalf("reminder role = %s", msg.Role)
	}
	if src := msg.Metadata[MetadataReminderKey]; src != "todo" {
		t.Fatalf("reminder source = %v", src)
	}

	plain := NewTextMessage(RoleUser, "hi")
	if plain.IsReminder() {
		t.Fatal("plain message tagged as reminder")
	}
}

func TestFindToolResult(t *testing.T) {
	msgs := []Message{
		NewTextMessage(RoleUser, "go"),
		{Role: RoleAssistant, Content: []ContentBlock{NewToolUseBlock("c1", "fs_read", nil)}},
		{Role: RoleUser, Content: []ContentBlock{NewToolResultBlock("c1", "data", false)}},
	}
	if b := FindToolResult(msgs, "c1"); b == nil || b.Text != "data" {
		t.Fatalf("FindToolResult(c1) = %+v", b)
	}
	if b := FindToolResult(msgs, "c2"); b != nil {
		t.Fatalf("FindToolResult(c2) = %+v, want nil", b)
	}
}

func TestHasMedia(t *testing.T) {
	text := NewTextMessage(RoleUser, "hi")
	if text.HasMedia() {
		t.Fatal("text message reported media")
	}
	img := Message{Content: []ContentBlock{{Type: BlockImage, Source: &MediaSource{Base64: "xxxx"}}}}
	if !img.HasMedia() {
		t.Fatal("image message reported no media")
	}
}

func TestBreakpointClassification(t *testing.T) {
	for _, bp := range []Breakpoint{BreakpointReady, BreakpointAwaitingApproval} {
		if !bp.Restable() {
			t.Errorf("%s not restable", bp)
		}
	}
	for _, bp := range []Breakpoint{BreakpointToolPending, BreakpointPreTool, BreakpointToolExecuting, BreakpointPostTool} {
		if !bp.MidTool() {
			t.Errorf("%s not mid-tool", bp)
		}
		if bp.Restable() {
			t.Errorf("%s restable", bp)
		}
	}
	if Breakpoint("NONSENSE").Valid() {
		t.Fatal("invalid breakpoint accepted")
	}
}
