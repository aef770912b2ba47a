package event

// Seal anchors external data into the event chain. Exactly one of the
// field groups is populated.
type Seal struct {
	// Prefix + Digest form an event seal pointing at another identifier's
	// event; Digest alone is a bare digest seal.
	Prefix string `json:"i,omitempty"`
	SN     *Hex   `json:"s,omitempty"`
	Digest string `json:"d,omitempty"`
}

// EventSeal builds a seal referencing another identifier's event digest.
func EventSeal(prefix string, sn Hex, digest string) Seal {
	return Seal{Prefix: prefix, SN: &sn, Digest: digest}
}

// DigestSeal builds a seal anchoring arbitrary content by digest.
func DigestSeal(digest string) Seal {
	return Seal{Digest: digest}
}

// LocationSeal locates a specific event in another log, identified by its
// position rather than its digest. Delegated events carry one pointing at
// the delegating event.
type LocationSeal struct {
	Prefix string `json:"i"`
	SN     Hex    `json:"s"`
	Ilk    Ilk    `json:"t"`
	Prior  string `json:"p,omitempty"`
}
