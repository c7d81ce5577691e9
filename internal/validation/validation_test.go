package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"run", "fetch_page", "_private", "x1", "CamelCase"}
	for _, name := range valid {
		if err := ValidateIdentifier(name); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "123bad", "with-dash", "with space", "dot.name", "a\nb"}
	for _, name := range invalid {
		if err := ValidateIdentifier(name); err == nil {
			t.Errorf("ValidateIdentifier(%q) = nil, want error", name)
		}
	}
}

func TestValidatePackageSpec(t *testing.T) {
	valid := []string{
		"requests",
		"requests==2.31.0",
		"httpx[socks]>=0.27",
		"numpy~=1.26",
		"beautifulsoup4",
		"pydantic!=2.0.0",
	}
	for _, spec := range valid {
		if err := ValidatePackageSpec(spec); err != nil {
			t.Errorf("ValidatePackageSpec(%q) = %v, want nil", spec, err)
		}
	}

	tests := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"leading dash", "--index-url=http://evil"},
		{"single dash", "-e"},
		{"semicolon", "requests; rm -rf /"},
		{"pipe", "requests|cat"},
		{"backtick", "requests`id`"},
		{"dollar", "requests$(id)"},
		{"space", "requests extra"},
		{"redirect", "requests>out"},
		{"quote", `requests"`},
		{"newline", "requests\nmalware"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePackageSpec(tt.spec); err == nil {
				t.Errorf("ValidatePackageSpec(%q) = nil, want error", tt.spec)
			}
		})
	}
}

func TestValidateUUID(t *testing.T) {
	if err := ValidateUUID("550e8400-e29b-41d4-a716-446655440000"); err != nil {
		t.Errorf("ValidateUUID(valid) = %v, want nil", err)
	}
	for _, id := range []string{"", "not-a-uuid", "550e8400e29b41d4a716446655440000"} {
		if err := ValidateUUID(id); err == nil {
			t.Errorf("ValidateUUID(%q) = nil, want error", id)
		}
	}
}

func TestValidateEnvName(t *testing.T) {
	if err := ValidateEnvName("default-3.12"); err != nil {
		t.Errorf("ValidateEnvName(default-3.12) = %v, want nil", err)
	}
	for _, name := range []string{"", "../escape", "with/slash", "a b"} {
		if err := ValidateEnvName(name); err == nil {
			t.Errorf("ValidateEnvName(%q) = nil, want error", name)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	if _, err := SanitizePath("modules/helpers.star"); err != nil {
		t.Errorf("SanitizePath(relative) = %v, want nil", err)
	}
	if _, err := SanitizePath("../etc/passwd"); err == nil || !strings.Contains(err.Error(), "traversal") {
		t.Errorf("SanitizePath(traversal) = %v, want traversal error", err)
	}
	if _, err := SanitizePath("/abs/path"); err == nil {
		t.Error("SanitizePath(absolute) = nil, want error")
	}
}
