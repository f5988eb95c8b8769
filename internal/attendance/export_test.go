package attendance

// HeldLocks exposes the number of live claim keys to tests
func HeldLocks(v *Validator) int {
	return v.locks.size()
}
