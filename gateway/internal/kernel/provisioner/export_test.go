package provisioner

// ConnectRetries returns the number of times the most recent launch slept between connection attempts.
func (p *Provisioner) ConnectRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connectRetries
}
