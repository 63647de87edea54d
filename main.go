package main

import (
	"flag"
	"os"
	"os/user"
	"path/filepath"

	"github.com/JaytheSpazz/mod-md/core"
	"github.com/JaytheSpazz/mod-md/database"
	"github.com/JaytheSpazz/mod-md/log"
)

var debug_log = flag.Bool("debug", false, "Enable debug output")
var cfg_dir = flag.String("c", "", "Configuration directory path")
var version_flag = flag.Bool("v", false, "Show version")

func joinPath(base_path string, rel_path string) string {
	var ret string
	if filepath.IsAbs(rel_path) {
		ret = rel_path
	} else {
		ret = filepath.Join(base_path, rel_path)
	}
	return ret
}

func main() {
	flag.Parse()

	if *version_flag == true {
		log.Info("version: %s", core.VERSION)
		return
	}

	core.Banner()

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	if *cfg_dir == "" {
		usr, err := user.Current()
		if err != nil {
			log.Fatal("%v", err)
			return
		}
		*cfg_dir = filepath.Join(usr.HomeDir, ".mdserver")
	}

	log.Info("loading configuration from: %s", *cfg_dir)

	if err := os.MkdirAll(*cfg_dir, os.FileMode(0700)); err != nil {
		log.Fatal("%v", err)
		return
	}
	log.StartServerLogging(joinPath(*cfg_dir, "./server.log"))

	cfg, err := core.NewConfig(*cfg_dir, "")
	if err != nil {
		log.Fatal("config: %v", err)
		return
	}

	reg, err := core.NewRegistry(cfg)
	if err != nil {
		log.Fatal("config: %v", err)
		return
	}

	db, err := database.NewDatabase(filepath.Join(*cfg_dir, "data.db"))
	if err != nil {
		log.Fatal("database: %v", err)
		return
	}

	challenges, err := core.NewChallengeStore(joinPath(*cfg_dir, "./challenges"))
	if err != nil {
		log.Fatal("challenges: %v", err)
		return
	}

	certs, err := core.NewCertStore(joinPath(*cfg_dir, "./certs"))
	if err != nil {
		log.Fatal("certstore: %v", err)
		return
	}

	ns, _ := core.NewNameserver(cfg)
	if cfg.GetChallengeType() == core.CHALLENGE_DNS01 {
		ns.Start()
	}

	ac, err := core.NewAcmeClient(cfg, challenges, ns)
	if err != nil {
		log.Fatal("acme: %v", err)
		return
	}

	drv := core.NewDriver(cfg, db, challenges, certs, ac)

	// the reconcile pass has to finish before the challenge endpoint takes
	// its first request
	drv.ReconcileOnReload(reg)

	hs, err := core.NewHttpServer(cfg.GetHttpPort(), challenges, drv)
	if err != nil {
		log.Fatal("http: %v", err)
		return
	}
	hs.Start()

	drv.Start()

	t, err := core.NewTerminal(cfg, certs, drv, db, false)
	if err != nil {
		log.Fatal("%v", err)
		return
	}

	t.DoWork()

	drv.Stop()
	hs.Close()
	db.Close()
	t.Close()
}
