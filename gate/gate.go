package gate

// Enter is the Cross-Processor Gate (C7) acquire: it takes the remote
// hardware spinlock first, then the local protection variant, so a
// failure to get the remote lock never leaves the local one held.
func Enter(h *Handle) (Key, error) {
	if err := h.remote.Lock(h.resourceID); err != nil {
		return Key{}, err
	}
	localKey, err := h.local.Enter()
	if err != nil {
		h.remote.Unlock(h.resourceID)
		return Key{}, err
	}
	return Key{local: localKey}, nil
}

// Leave releases the local protection variant before the remote
// spinlock, the mirror order of Enter.
func Leave(h *Handle, key Key) error {
	if err := h.local.Leave(key.local); err != nil {
		return err
	}
	return h.remote.Unlock(h.resourceID)
}
