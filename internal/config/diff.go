package config

// BackendDiff describes the backend-set changes between two configurations
// as the add/remove/update calls to apply to the routing engine.
type BackendDiff struct {
	Added   []Backend
	Removed []string
	Updated []Backend
}

// DiffBackends computes the backend-set delta from old to new. A backend
// counts as updated when any routing-relevant field changed.
func DiffBackends(old, updated *Config) BackendDiff {
	var diff BackendDiff

	previous := make(map[string]Backend, len(old.Backends))
	for _, b := range old.Backends {
		previous[b.Name] = b
	}

	current := make(map[string]struct{}, len(updated.Backends))
	for _, b := range updated.Backends {
		current[b.Name] = struct{}{}

		prev, existed := previous[b.Name]
		if !existed {
			diff.Added = append(diff.Added, b)
			continue
		}
		if backendChanged(prev, b) {
			diff.Updated = append(diff.Updated, b)
		}
	}

	for _, b := range old.Backends {
		if _, stillThere := current[b.Name]; !stillThere {
			diff.Removed = append(diff.Removed, b.Name)
		}
	}

	return diff
}

func backendChanged(a, b Backend) bool {
	return a.Address != b.Address ||
		a.Port != b.Port ||
		a.Scheme != b.Scheme ||
		a.Weight != b.Weight ||
		a.IsEnabled() != b.IsEnabled() ||
		a.MaxConnections != b.MaxConnections ||
		a.HealthCheckPath != b.HealthCheckPath
}
