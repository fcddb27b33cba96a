package persistence

// Persistence bundles the store interfaces so the engine can depend on a
// single value. A single backend usually fills every field.
type Persistence struct {
	Executions ExecutionStore
	History    HistoryStore
	Claims     ClaimStore
}

// FromStore fills every field from one backend.
func FromStore(s Store) Persistence {
	return Persistence{Executions: s, History: s, Claims: s}
}
