package collection

import "time"

// Stats is a point-in-time summary of a collection.
type Stats struct {
	Name           string    `json:"name"`
	Dim            int       `json:"dim"`
	VectorCount    int       `json:"vector_count"`
	TombstoneCount int       `json:"tombstone_count"`
	MemoryBytes    int64     `json:"memory_bytes"`
	Quantized      bool      `json:"quantized"`
	CodeBytes      int       `json:"code_bytes,omitempty"`
	CompressionX   float64   `json:"compression_ratio,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Stats returns counts and an approximate memory footprint.
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var mem int64
	for _, e := range c.entries {
		mem += int64(len(e.vec)*4 + len(e.id))
		mem += int64(len(e.payload) * 64) // rough payload overhead
	}
	for _, code := range c.codes {
		mem += int64(len(code))
	}

	s := Stats{
		Name:           c.cfg.Name,
		Dim:            c.cfg.Dim,
		VectorCount:    len(c.entries) - c.tombs,
		TombstoneCount: c.tombs,
		MemoryBytes:    mem,
		CreatedAt:      c.createdAt,
		UpdatedAt:      c.updatedAt,
	}
	if c.quantizer != nil && c.quantizer.Trained() {
		s.Quantized = true
		s.CodeBytes = c.quantizer.CodeSize()
		s.CompressionX = float64(c.cfg.Dim*4) / float64(c.quantizer.CodeSize())
	}
	return s
}
