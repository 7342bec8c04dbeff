package farm

func (s *State) BuySeed(seed string, qty int) (int, error) {
	def, ok := s.cats.Seeds.ByID[seed]
	if !ok {
		return 0, fail(ErrUnknownItem, "unknown seed %q", seed)
	}
	if qty <= 0 {
		return 0, fail(ErrInvalidQuantity, "quantity must be positive")
	}
	if def.BuyPrice > 0 && qty > s.Essence/def.BuyPrice {
		return 0, fail(ErrInsufficientResources, "%d essence buys at most %d %s seeds", s.Essence, s.Essence/def.BuyPrice, def.Name)
	}
	cost := def.BuyPrice * qty
	s.Essence -= cost
	s.Seeds[seed] += qty
	return cost, nil
}

// ExchangeSouls converts qty souls into essence at the tuned rate.
func (s *State) ExchangeSouls(qty int) (int, error) {
	if qty <= 0 {
		return 0, fail(ErrInvalidQuantity, "quantity must be positive")
	}
	if s.Souls < qty {
		return 0, fail(ErrInsufficientResources, "not enough souls")
	}
	gain := qty * s.tune.ExchangeRate
	s.Souls -= qty
	s.Essence += gain
	return gain, nil
}

func (s *State) SellHarvest(seed string, qty int) (int, error) {
	def, ok := s.cats.Seeds.ByID[seed]
	if !ok {
		return 0, fail(ErrUnknownItem, "unknown crop %q", seed)
	}
	if qty <= 0 {
		return 0, fail(ErrInvalidQuantity, "quantity must be positive")
	}
	if s.Harvested[seed] < qty {
		return 0, fail(ErrInsufficientResources, "only %d %s in stock", s.Harvested[seed], def.Name)
	}
	gain := def.SellPrice * qty
	s.Harvested[seed] -= qty
	s.Souls += gain
	return gain, nil
}

func (s *State) SellElixir(recipe string, qty int) (int, error) {
	def, ok := s.cats.Elixirs.ByID[recipe]
	if !ok {
		return 0, fail(ErrUnknownItem, "unknown elixir %q", recipe)
	}
	if qty <= 0 {
		return 0, fail(ErrInvalidQuantity, "quantity must be positive")
	}
	if s.Crafted[recipe] < qty {
		return 0, fail(ErrInsufficientResources, "only %d %s in stock", s.Crafted[recipe], def.Name)
	}
	gain := def.SellPrice * qty
	s.Crafted[recipe] -= qty
	s.Souls += gain
	return gain, nil
}
