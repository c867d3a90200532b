package exact

// IndexKey is the object-store key of a language's compiled exact-match
// file. One writer (the dataset update job) produces it; every serving
// replica reads it.
func IndexKey(language string) string {
	return "exact/" + language + ".btrie"
}
