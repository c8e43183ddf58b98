package domain

import "time"

// DelegatedAccountState tracks the account the browser session should act as.
// ActiveHandle and SwitchConfirmed are session facts and reset on browser restart.
type DelegatedAccountState struct {
	Account         string `json:"account"`
	Enabled         bool   `json:"enabled"`
	ActiveHandle    string `json:"-"`
	SwitchConfirmed bool   `json:"-"`
}

// Target returns the normalized handle to act as, or "" when delegation is off
func (s DelegatedAccountState) Target() string {
	if !s.Enabled {
		return ""
	}
	return NormalizeHandle(s.Account)
}

// Set changes the configured account; a different target invalidates session facts
func (s *DelegatedAccountState) Set(account string, enabled bool) {
	prev := s.Target()
	s.Account = NormalizeHandle(account)
	s.Enabled = enabled && s.Account != ""
	if s.Target() != prev {
		s.ResetSession()
	}
}

// ResetSession forgets what the current browser session is logged in as
func (s *DelegatedAccountState) ResetSession() {
	s.ActiveHandle = ""
	s.SwitchConfirmed = false
}

// Confirm records a verified switch to handle
func (s *DelegatedAccountState) Confirm(handle string) {
	s.ActiveHandle = NormalizeHandle(handle)
	s.SwitchConfirmed = s.ActiveHandle != "" && s.ActiveHandle == s.Target()
}

// OnTarget reports whether the session is known to be acting as the target
func (s DelegatedAccountState) OnTarget() bool {
	t := s.Target()
	return t != "" && s.ActiveHandle == t
}

// ReplyFailureRecord is the rolling failure bookkeeping for one handle
type ReplyFailureRecord struct {
	Handle        string    `json:"handle"`
	Count         int       `json:"count"`
	WindowStartAt time.Time `json:"window_start_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	LastError     string    `json:"last_error"`
}

// Record adds one failure, restarting the window when it has elapsed
func (r *ReplyFailureRecord) Record(reason string, now time.Time, window, cooldown time.Duration) {
	if r.WindowStartAt.IsZero() || now.Sub(r.WindowStartAt) > window {
		r.WindowStartAt = now
		r.Count = 0
	}
	r.Count++
	r.LastError = reason
	r.CooldownUntil = now.Add(time.Duration(r.Count) * cooldown)
}

// Active reports whether the record still counts at now
func (r ReplyFailureRecord) Active(now time.Time, window time.Duration) bool {
	return r.Count > 0 && now.Sub(r.WindowStartAt) <= window
}
