package extract

import "strings"

// Merge combines two extraction results deterministically. Entities dedupe
// on (lowercase name, type) keeping the longer description; relations dedupe
// on (from, to, type); topics dedupe case-insensitively keeping the first
// spelling seen. Neither input is mutated.
func Merge(a, b *Result) *Result {
	if a == nil {
		a = &Result{}
	}
	if b == nil {
		b = &Result{}
	}
	out := &Result{}

	type entityKey struct{ name, typ string }
	entityIdx := make(map[entityKey]int)
	for _, src := range [][]Entity{a.Entities, b.Entities} {
		for _, e := range src {
			key := entityKey{strings.ToLower(e.Name), e.Type}
			if i, ok := entityIdx[key]; ok {
				if len(e.Description) > len(out.Entities[i].Description) {
					out.Entities[i].Description = e.Description
				}
				continue
			}
			entityIdx[key] = len(out.Entities)
			out.Entities = append(out.Entities, e)
		}
	}

	type relationKey struct{ from, to, typ string }
	relationIdx := make(map[relationKey]int)
	for _, src := range [][]Relation{a.Relations, b.Relations} {
		for _, r := range src {
			key := relationKey{strings.ToLower(r.From), strings.ToLower(r.To), r.Type}
			if i, ok := relationIdx[key]; ok {
				if len(r.Description) > len(out.Relations[i].Description) {
					out.Relations[i].Description = r.Description
				}
				continue
			}
			relationIdx[key] = len(out.Relations)
			out.Relations = append(out.Relations, r)
		}
	}

	seenTopic := make(map[string]bool)
	for _, src := range [][]string{a.KeyTopics, b.KeyTopics} {
		for _, topic := range src {
			topic = strings.TrimSpace(topic)
			if topic == "" || seenTopic[strings.ToLower(topic)] {
				continue
			}
			seenTopic[strings.ToLower(topic)] = true
			out.KeyTopics = append(out.KeyTopics, topic)
		}
	}

	switch {
	case a.Summary == "":
		out.Summary = b.Summary
	case b.Summary == "":
		out.Summary = a.Summary
	default:
		out.Summary = a.Summary + "\n\n" + b.Summary
	}
	return out
}
