package agent

import (
	"testing"
)

func TestParseProtocolsYAML(t *testing.T) {
	data := []byte(`
protocols:
  - name: note
    deletable: true
    template:
      can_create: true
      can_read: true
      can_delete: true
    schema: '{"type":"object"}'
  - name: journal
    deletable: false
    template:
      can_create: true
      can_read: true
      can_create_child: true
      can_read_child: true
    channel:
      any: true
`)
	protos, err := ParseProtocolsYAML(data)
	if err != nil {
		t.Fatalf("ParseProtocolsYAML: %v", err)
	}
	if len(protos) != 2 {
		t.Fatalf("parsed %d protocols, want 2", len(protos))
	}

	note := protos[0]
	if note.Name != "note" || !note.Deletable || note.Schema == "" {
		t.Fatalf("note parsed wrong: %+v", note)
	}
	if !note.Template.CanDelete || note.Template.CanCreateChild {
		t.Fatalf("note template parsed wrong: %+v", note.Template)
	}
	if note.Channel != nil {
		t.Fatalf("note should have no channel")
	}

	journal := protos[1]
	if journal.Channel == nil || journal.Channel.AllowedChildren != nil {
		t.Fatalf("journal should carry an any-child channel: %+v", journal.Channel)
	}
	if journal.ID() == note.ID() {
		t.Fatalf("distinct protocols share an id")
	}
}

func TestParseProtocolsYAMLRejectsNameless(t *testing.T) {
	if _, err := ParseProtocolsYAML([]byte("protocols:\n  - deletable: true\n")); err == nil {
		t.Fatalf("nameless protocol accepted")
	}
}
