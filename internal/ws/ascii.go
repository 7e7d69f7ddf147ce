package ws

import (
	"sort"
	"strings"
)

// asciiArt is the server-side art set resolvable via the ascii event.
var asciiArt = map[string]string{
	"kiss": `
      .-""-.
     / .-.  \
    | (0.0)  |
     \  ~  / 💋
      '-..-'`,
	"heart": `
   ,d88b.d88b,
   88888888888
   'Y8888888Y'
     'Y888Y'
       'Y'`,
	"shrug": `¯\_(ツ)_/¯`,
	"wave": `
   o/
  /|
  / \`,
}

func asciiNames() string {
	names := make([]string, 0, len(asciiArt))
	for name := range asciiArt {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
