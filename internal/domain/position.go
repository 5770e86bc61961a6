package domain

// Position is one entry of private/get_positions.
type Position struct {
	InstrumentName     string
	Direction          string // buy, sell or zero
	Size               float64
	AveragePrice       float64
	MarkPrice          float64
	FloatingProfitLoss float64
	Leverage           float64
}

// IsFlat reports a zero-size position.
func (p Position) IsFlat() bool {
	return p.Size == 0
}
