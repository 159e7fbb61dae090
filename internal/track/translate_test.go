package track_test

import (
	"testing"

	"github.com/tlundqvist/gotrack/internal/track"
)

func TestTranslateReplyBat(t *testing.T) {
	t.Parallel()

	fields, ok := track.TranslateReply(track.DeviceReply{
		OK:   true,
		Name: "BAT",
		Tag:  1,
		Args: []string{"4.12", "1"},
	})
	if !ok {
		t.Fatal("TranslateReply ok = false, want true")
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}

	if fields[0].Label != "Battery voltage" || fields[0].Value != "4.12" {
		t.Errorf("fields[0] = %q=%q, want Battery voltage=4.12",
			fields[0].Label, fields[0].Value)
	}
	if fields[1].Label != "Charging" || fields[1].Value != "yes" {
		t.Errorf("fields[1] = %q=%q, want Charging=yes",
			fields[1].Label, fields[1].Value)
	}
}

func TestTranslateReplyStatusEnum(t *testing.T) {
	t.Parallel()

	fields, ok := track.TranslateReply(track.DeviceReply{
		OK:   true,
		Name: "STATUS",
		Tag:  3,
		Args: []string{"3.98", "0", "21", "2", "0"},
	})
	if !ok {
		t.Fatal("TranslateReply ok = false, want true")
	}
	if len(fields) != 5 {
		t.Fatalf("got %d fields, want 5", len(fields))
	}

	tests := []struct {
		label, value string
	}{
		{"Battery voltage", "3.98"},
		{"Charging", "no"},
		{"GSM signal", "21"},
		{"GPS fix", "3D fix"},
		{"Armed", "no"},
	}
	for i, tt := range tests {
		if fields[i].Label != tt.label || fields[i].Value != tt.value {
			t.Errorf("fields[%d] = %q=%q, want %q=%q",
				i, fields[i].Label, fields[i].Value, tt.label, tt.value)
		}
	}
}

// TestTranslateReplyEnumFallback verifies values outside an enum pass
// through raw rather than failing the whole translation.
func TestTranslateReplyEnumFallback(t *testing.T) {
	t.Parallel()

	fields, ok := track.TranslateReply(track.DeviceReply{
		OK:   true,
		Name: "SLEEP",
		Tag:  1,
		Args: []string{"9"},
	})
	if !ok {
		t.Fatal("TranslateReply ok = false, want true")
	}
	if fields[0].Value != "9" {
		t.Errorf("Value = %q, want raw %q", fields[0].Value, "9")
	}
}

func TestTranslateReplyNoPayload(t *testing.T) {
	t.Parallel()

	fields, ok := track.TranslateReply(track.DeviceReply{
		OK:   true,
		Name: "RESET",
		Tag:  1,
	})
	if !ok {
		t.Fatal("TranslateReply ok = false, want true")
	}
	if len(fields) != 0 {
		t.Errorf("got %d fields, want 0", len(fields))
	}
}

func TestTranslateReplyRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply track.DeviceReply
	}{
		{
			name:  "error reply",
			reply: track.DeviceReply{OK: false, Name: "BAT", Tag: 1, Args: []string{"3"}},
		},
		{
			name:  "unknown command",
			reply: track.DeviceReply{OK: true, Name: "FROB", Tag: 1, Args: []string{"x"}},
		},
		{
			name:  "arg count mismatch",
			reply: track.DeviceReply{OK: true, Name: "BAT", Tag: 1, Args: []string{"4.12"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := track.TranslateReply(tt.reply); ok {
				t.Error("TranslateReply ok = true, want false")
			}
		})
	}
}

func TestKnownCommand(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"IMEI", "VER", "BAT", "STATUS", "LOC", "GFEN", "INT", "SLEEP", "SPEED", "ARM", "APN", "DLREC", "PIN", "RESET", "PWROFF"} {
		if !track.KnownCommand(name) {
			t.Errorf("KnownCommand(%q) = false, want true", name)
		}
	}

	if track.KnownCommand("FROB") {
		t.Error(`KnownCommand("FROB") = true, want false`)
	}
	if track.KnownCommand("bat") {
		t.Error(`KnownCommand("bat") = true, want false (names are upper case)`)
	}
}

func TestTranslateErrorCode(t *testing.T) {
	t.Parallel()

	if got := track.TranslateErrorCode("6"); got != "no GPS fix" {
		t.Errorf(`TranslateErrorCode("6") = %q, want "no GPS fix"`, got)
	}
	if got := track.TranslateErrorCode("99"); got != "" {
		t.Errorf(`TranslateErrorCode("99") = %q, want ""`, got)
	}
}
