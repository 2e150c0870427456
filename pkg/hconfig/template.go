package hconfig

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExpandPath substitutes spec.md §6.2's path template tokens ($time $date
// $image $hostname $username $random) into a sink path a caller passed to
// --log/--write-binary, so each launch can write to a distinct file without
// external shell scripting. now and image are caller-supplied rather than
// read from the environment, keeping expansion deterministic and testable.
func ExpandPath(pattern string, now time.Time, image string) string {
	host, _ := os.Hostname()
	user := os.Getenv("USERNAME")
	if user == "" {
		user = os.Getenv("USER")
	}

	replacer := strings.NewReplacer(
		"$time", now.Format("150405"),
		"$date", now.Format("20060102"),
		"$image", baseName(image),
		"$hostname", host,
		"$username", user,
		"$random", strconv.FormatUint(uint64(rand.Uint32()), 16),
	)
	return replacer.Replace(pattern)
}

func baseName(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	name := path[i+1:]
	if dot := strings.LastIndex(name, "."); dot > 0 {
		name = name[:dot]
	}
	return name
}
