package core

func Map[TSource any, TResult any](source []TSource, m func(TSource) TResult) []TResult {
	results := make([]TResult, 0, len(source))
	for _, s := range source {
		results = append(results, m(s))
	}
	return results
}

func Filter[T any](source []T, keep func(T) bool) []T {
	results := make([]T, 0, len(source))
	for _, s := range source {
		if keep(s) {
			results = append(results, s)
		}
	}
	return results
}

// Distinct drops repeated values, keeping the first occurrence.
func Distinct[T comparable](source []T) []T {
	seen := make(map[T]struct{}, len(source))
	results := make([]T, 0, len(source))
	for _, s := range source {
		if _, found := seen[s]; found {
			continue
		}
		seen[s] = struct{}{}
		results = append(results, s)
	}
	return results
}

func Contains[T comparable](source []T, value T) bool {
	for _, s := range source {
		if s == value {
			return true
		}
	}
	return false
}
