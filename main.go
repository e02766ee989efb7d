package main

import (
	"flag"
	"log"
	"strings"

	"github.com/distcodep7/ramutex/controller"
)

func main() {
	addr := flag.String("addr", ":50051", "Address to listen on")
	dupeProb := flag.Float64("dupe", 0, "Probability of duplicating a forwarded message (testing only)")
	dupeTypes := flag.String("dupe-types", "REPLY", "Comma separated message types eligible for duplication")
	seed := flag.Int64("seed", 0, "Seed for fault injection (0 uses the clock)")
	flag.Parse()

	props := controller.ControllerProps{
		Logger: log.Default(),
		Config: controller.TestConfig{
			DupeProb: *dupeProb,
			Seed:     *seed,
		},
	}
	if *dupeTypes != "" {
		props.Config.DupeTypes = strings.Split(*dupeTypes, ",")
	}

	log.Println("DSNet controller ready")
	if err := controller.Serve(*addr, props); err != nil {
		log.Fatal(err)
	}
}
