package session

import "strings"

// PromptState classifies the trailing line of accumulated CLI output.
// The ICX CLI is modeled as a state machine over these prompts; every
// transition the session makes is driven by an observed state, never
// by guessing.
type PromptState int

const (
	// StateNone means the trailing line is not a prompt (mid-output).
	StateNone PromptState = iota
	// StateUnauth is a login/username prompt.
	StateUnauth
	// StatePassword is an ordinary password prompt.
	StatePassword
	// StateNewPassword is the forced first-login password change prompt.
	StateNewPassword
	// StateConfirmPassword asks to re-enter the new password.
	StateConfirmPassword
	// StateLogin is the unprivileged exec prompt ("...>").
	StateLogin
	// StateExec is the privileged exec prompt ("...#").
	StateExec
	// StateConfig is the global configuration prompt ("(config)#").
	StateConfig
	// StateIfConfig is an interface configuration prompt ("(config-if-...)#").
	StateIfConfig
	// StatePaged means the pager is waiting ("--More--").
	StatePaged
)

func (s PromptState) String() string {
	switch s {
	case StateUnauth:
		return "unauth"
	case StatePassword:
		return "password-prompt"
	case StateNewPassword:
		return "new-password-prompt"
	case StateConfirmPassword:
		return "confirm-password-prompt"
	case StateLogin:
		return "login"
	case StateExec:
		return "exec"
	case StateConfig:
		return "config"
	case StateIfConfig:
		return "interface-config"
	case StatePaged:
		return "paged"
	default:
		return "none"
	}
}

// inConfig reports whether the state is any configuration context.
func (s PromptState) inConfig() bool {
	return s == StateConfig || s == StateIfConfig
}

// moreMarker is the ICX pager continuation marker.
const moreMarker = "--More--"

// classifyPrompt maps the trailing line of CLI output to a PromptState.
func classifyPrompt(line string) PromptState {
	line = strings.TrimRight(line, " \t\r")
	if line == "" {
		return StateNone
	}
	if strings.Contains(line, moreMarker) {
		return StatePaged
	}

	lower := strings.ToLower(line)
	if strings.HasSuffix(lower, "password:") {
		switch {
		case strings.Contains(lower, "re-enter") || strings.Contains(lower, "retype") ||
			strings.Contains(lower, "confirm"):
			return StateConfirmPassword
		case strings.Contains(lower, "new password"):
			return StateNewPassword
		default:
			return StatePassword
		}
	}
	// "Enter the new password" variants without a trailing colon+space
	if strings.Contains(lower, "enter new password") ||
		strings.Contains(lower, "enter the new password") {
		return StateNewPassword
	}
	if strings.HasSuffix(lower, "login:") || strings.HasSuffix(lower, "username:") {
		return StateUnauth
	}

	switch {
	case strings.HasSuffix(line, "#"):
		if i := strings.LastIndex(line, "(config"); i >= 0 {
			if strings.Contains(line[i:], "(config-if") {
				return StateIfConfig
			}
			return StateConfig
		}
		return StateExec
	case strings.HasSuffix(line, ">"):
		return StateLogin
	}
	return StateNone
}

// lastLine returns the text after the final newline of buf.
func lastLine(buf string) string {
	if i := strings.LastIndexByte(buf, '\n'); i >= 0 {
		return buf[i+1:]
	}
	return buf
}
