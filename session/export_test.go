package session

// ConnIndexLen reports the size of the connection -> user index.
func (r *Registry) ConnIndexLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
