package models

// BalanceRequest asks for the balances of a set of addresses at one source
type BalanceRequest struct {
	Source    ContractSource
	Addresses []string
}

// BalanceSnapshot holds fetched balances keyed by address. Values are
// unsigned decimal integers in the source's smallest unit. A missing
// address means its balance is unknown.
type BalanceSnapshot struct {
	Source   ContractSource
	Balances map[string]string
}

// Balance returns the balance for addr and whether it is known
func (s BalanceSnapshot) Balance(addr string) (string, bool) {
	if s.Balances == nil {
		return "", false
	}
	b, ok := s.Balances[addr]
	return b, ok
}
