package netmon

// SetUserID attaches id to every exchange captured from now on.
func (sg *Service) SetUserID(id string) {
	sg.updateSession(func(s *session) { s.userID = id })
}

func (sg *Service) ResetUserID() {
	sg.SetUserID("")
}

// SetProperty attaches key=value to every exchange captured from now on.
func (sg *Service) SetProperty(key, value string) {
	sg.updateSession(func(s *session) { s.properties[key] = value })
}

func (sg *Service) RemoveProperty(key string) {
	sg.updateSession(func(s *session) { delete(s.properties, key) })
}

func (sg *Service) ResetProperties() {
	sg.updateSession(func(s *session) { s.properties = map[string]string{} })
}

// UserID returns the current user id.
func (sg *Service) UserID() string {
	return sg.session.Load().userID
}

// Properties returns a copy of the current properties.
func (sg *Service) Properties() map[string]string {
	props := sg.session.Load().properties
	ret := make(map[string]string, len(props))
	for k, v := range props {
		ret[k] = v
	}
	return ret
}

func (sg *Service) updateSession(mutate func(s *session)) {
	sg.sessionMu.Lock()
	defer sg.sessionMu.Unlock()

	cur := sg.session.Load()
	next := &session{
		userID:     cur.userID,
		properties: make(map[string]string, len(cur.properties)+1),
	}
	for k, v := range cur.properties {
		next.properties[k] = v
	}
	mutate(next)
	sg.session.Store(next)
}
