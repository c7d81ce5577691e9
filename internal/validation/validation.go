package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// identifierRegex matches valid Starlark-style identifiers
	identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	// safePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// packageSpecRegex matches a dependency specification: a package name,
	// optional extras, optional version constraint (e.g. "requests==2.31.0",
	// "httpx[socks]>=0.27")
	packageSpecRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9,._-]+\])?((==|>=|<=|~=|!=|<|>)[A-Za-z0-9.*+!_-]+)?$`)

	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// shellMetachars are characters that must never reach an installer command line
const shellMetachars = ";&|$`<>(){}!'\"\\\n\r\t "

// ValidateIdentifier checks that a string is a valid identifier
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q", name)
	}
	return nil
}

// ValidatePackageSpec checks a dependency specification string before it is
// ever passed to an installer process. Specs may originate from agent- or
// skill-authored text, so anything that could be read as a flag or shell
// syntax is rejected outright.
func ValidatePackageSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("package spec cannot be empty")
	}
	if strings.HasPrefix(spec, "-") {
		return fmt.Errorf("package spec cannot start with a dash: %q", spec)
	}
	if strings.ContainsAny(spec, shellMetachars) {
		return fmt.Errorf("package spec contains forbidden characters: %q", spec)
	}
	if !packageSpecRegex.MatchString(spec) {
		return fmt.Errorf("invalid package spec: %q", spec)
	}
	return nil
}

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a session ID
func ValidateSessionID(id string) error {
	return ValidateUUID(id)
}

// ValidateEnvName validates the name of a cached worker environment.
// Env names become directory names under the env cache root.
func ValidateEnvName(name string) error {
	if name == "" {
		return fmt.Errorf("env name cannot be empty")
	}
	if !safePathRegex.MatchString(name) {
		return fmt.Errorf("unsafe env name: %q", name)
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	// Split and validate each component
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing/leading slashes
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}
