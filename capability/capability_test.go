package capability

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		action  string
		want    bool
	}{
		{"weft.execute.tool.fs.read", "weft.execute.tool.fs.read", true},
		{"weft.execute.tool.fs.read", "weft.execute.tool.fs.write", false},
		{"weft.execute.tool.fs.*", "weft.execute.tool.fs.read", true},
		{"weft.execute.tool.fs.*", "weft.execute.tool.fs.deep.read", true},
		{"weft.execute.tool.fs.*", "weft.execute.tool.fs", false},
		{"weft.execute.*.fs.read", "weft.execute.tool.fs.read", true},
		{"weft.execute.*.fs.read", "weft.execute.tool.extra.fs.read", false},
		{"weft.execute.tool.fs.read_*", "weft.execute.tool.fs.read_file", true},
		{"weft.execute.tool.fs.read_*", "weft.execute.tool.fs.write_file", false},
		{"weft.*", "weft.search.directive.x", true},
		{"*", "anything.at.all", true},
		{"weft.execute", "weft.execute.tool", false},
		{"weft.execute.tool", "weft.execute", false},
		{"weft..tool", "weft.x.tool", false},
		{"", "weft", false},
		{"weft.[", "weft.[", false},
		{"weft.execute.tool.fs.*", "", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.action); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.action, got, tt.want)
		}
	}
}

func TestSetIsFailClosed(t *testing.T) {
	var empty Set
	if empty.Allows("weft.execute.tool.fs.read") {
		t.Error("zero Set should deny everything")
	}

	s, err := NewSet()
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}
	if s.Allows("x") {
		t.Error("empty Set should deny everything")
	}
}

func TestSetAllows(t *testing.T) {
	s := MustSet("weft.execute.tool.fs.*", "weft.load.knowledge.notes")

	allowed := []string{"weft.execute.tool.fs.read", "weft.load.knowledge.notes"}
	for _, a := range allowed {
		if !s.Allows(a) {
			t.Errorf("Allows(%q) = false, want true", a)
		}
	}
	denied := []string{"weft.execute.tool.shell.run", "weft.load.knowledge.other"}
	for _, a := range denied {
		if s.Allows(a) {
			t.Errorf("Allows(%q) = true, want false", a)
		}
	}
	if got := s.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestNewSetRejectsInvalid(t *testing.T) {
	if _, err := NewSet("weft.ok", "bad..pattern"); err == nil {
		t.Error("NewSet() with empty segment should fail")
	}
}

func TestAction(t *testing.T) {
	tests := []struct {
		ns, primary, itemType, itemID string
		want                          string
	}{
		{"weft", "execute", "tool", "fs/read", "weft.execute.tool.fs.read"},
		{"weft", "execute", "tool", "/fs/read/", "weft.execute.tool.fs.read"},
		{"", "execute", "tool", "shell", "execute.tool.shell"},
		{"weft", "search", "directive", "", "weft.search.directive"},
	}
	for _, tt := range tests {
		if got := Action(tt.ns, tt.primary, tt.itemType, tt.itemID); got != tt.want {
			t.Errorf("Action(%q, %q, %q, %q) = %q, want %q", tt.ns, tt.primary, tt.itemType, tt.itemID, got, tt.want)
		}
	}
}
