package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/jamespfennell/koda"
)

var out = flag.String("out", "koda_decode_profile.pb.gz", "file path to output the profile to")
var iterations = flag.Int("n", 1, "number of times each file is decoded")

func main() {
	if err := run(); err != nil {
		fmt.Println("failed:", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	messageFiles := flag.Args()
	var messages [][]byte
	for _, messageFile := range messageFiles {
		b, err := os.ReadFile(messageFile)
		if err != nil {
			return err
		}
		messages = append(messages, b)
	}

	fmt.Println("starting profile")
	var profile bytes.Buffer
	if err := pprof.StartCPUProfile(&profile); err != nil {
		return err
	}
	rows := 0
	for n := 0; n < *iterations; n++ {
		for i, in := range messages {
			fmt.Printf("decoding file %d/%d\n", i+1, len(messages))
			t, err := koda.Decode(in)
			if err != nil {
				pprof.StopCPUProfile()
				return err
			}
			t, _ = koda.Unpack(t)
			rows += t.NumRows()
		}
	}
	pprof.StopCPUProfile()

	fmt.Println("decoded", rows, "rows; writing profile to", *out)
	return os.WriteFile(*out, profile.Bytes(), 0644)
}
