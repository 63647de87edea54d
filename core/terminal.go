package core

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JaytheSpazz/mod-md/database"
	"github.com/JaytheSpazz/mod-md/log"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
)

const (
	DEFAULT_PROMPT = ": "
	LAYER_TOP      = 1
)

type Terminal struct {
	rl        *readline.Instance
	completer *readline.PrefixCompleter
	cfg       *Config
	certs     *CertStore
	drv       *Driver
	db        *database.Database
	hlp       *Help
	developer bool
}

func NewTerminal(cfg *Config, certs *CertStore, drv *Driver, db *database.Database, developer bool) (*Terminal, error) {
	var err error
	t := &Terminal{
		cfg:       cfg,
		certs:     certs,
		drv:       drv,
		db:        db,
		developer: developer,
	}

	t.createHelp()
	t.completer = t.hlp.GetPrefixCompleter(LAYER_TOP)

	t.rl, err = readline.NewEx(&readline.Config{
		Prompt:              DEFAULT_PROMPT,
		AutoComplete:        t.completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: t.filterInput,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Terminal) Close() {
	t.rl.Close()
}

func (t *Terminal) output(s string, args ...interface{}) {
	out := fmt.Sprintf(s, args...)
	fmt.Fprintf(color.Output, "\n%s\n", out)
}

func (t *Terminal) DoWork() {
	var do_quit = false

	t.checkStatus()
	log.SetReadline(t.rl)

	t.output("%s", t.sprintMdStatus(""))

	for !do_quit {
		line, err := t.rl.Readline()
		if err == readline.ErrInterrupt {
			log.Info("type 'exit' in order to quit")
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)

		args := strings.Fields(line)
		argn := len(args)
		if argn == 0 {
			t.checkStatus()
			continue
		}

		cmd_ok := false
		switch args[0] {
		case "clear":
			cmd_ok = true
			readline.ClearScreen(color.Output)
		case "config":
			cmd_ok = true
			err := t.handleConfig(args[1:])
			if err != nil {
				log.Error("config: %v", err)
			}
		case "mds":
			cmd_ok = true
			err := t.handleMds(args[1:])
			if err != nil {
				log.Error("mds: %v", err)
			}
		case "drive":
			cmd_ok = true
			err := t.handleDrive(args[1:])
			if err != nil {
				log.Error("drive: %v", err)
			}
		case "renew":
			cmd_ok = true
			err := t.handleRenew(args[1:])
			if err != nil {
				log.Error("renew: %v", err)
			}
		case "rollback":
			cmd_ok = true
			err := t.handleRollback(args[1:])
			if err != nil {
				log.Error("rollback: %v", err)
			}
		case "remove":
			cmd_ok = true
			err := t.handleRemove(args[1:])
			if err != nil {
				log.Error("remove: %v", err)
			}
		case "reload":
			cmd_ok = true
			err := t.handleReload()
			if err != nil {
				log.Error("reload: %v", err)
			}
		case "help":
			cmd_ok = true
			if len(args) == 2 {
				if err := t.hlp.PrintBrief(args[1]); err != nil {
					log.Error("help: %v", err)
				}
			} else {
				t.hlp.Print(0)
			}
		case "q", "quit", "exit":
			do_quit = true
			cmd_ok = true
		default:
			log.Error("unknown command: %s", args[0])
			cmd_ok = true
		}
		if !cmd_ok {
			log.Error("invalid syntax: %s", line)
		}
		t.checkStatus()
	}
}

func (t *Terminal) handleConfig(args []string) error {
	pn := len(args)
	if pn == 0 {
		keys := []string{"contact", "ca_url", "challenge", "ip", "notify_cmd"}
		vals := []string{t.cfg.GetContact(), t.cfg.GetCaURL(), t.cfg.GetChallengeType(), t.cfg.GetServerIP(), t.cfg.GetNotifyCmd()}
		log.Printf("\n%s\n", AsRows(keys, vals))
		return nil
	} else if pn == 2 {
		switch args[0] {
		case "contact":
			t.cfg.SetContact(args[1])
			return nil
		case "ca_url":
			t.cfg.SetCaURL(args[1])
			log.Warning("account registration with the new authority happens on the next drive")
			return nil
		case "challenge":
			if args[1] != CHALLENGE_HTTP01 && args[1] != CHALLENGE_DNS01 {
				return fmt.Errorf("challenge type must be '%s' or '%s'", CHALLENGE_HTTP01, CHALLENGE_DNS01)
			}
			t.cfg.SetChallengeType(args[1])
			return nil
		case "ip":
			t.cfg.SetServerIP(args[1])
			return nil
		case "notify_cmd":
			t.cfg.SetNotifyCmd(args[1])
			return nil
		}
	}
	return fmt.Errorf("invalid syntax: %s", args)
}

func (t *Terminal) handleMds(args []string) error {
	pn := len(args)
	if pn == 0 {
		t.output("%s", t.sprintMdStatus(""))
		return nil
	}
	switch args[0] {
	case "add":
		if pn < 2 {
			return fmt.Errorf("invalid syntax: %s", args)
		}
		name := strings.ToLower(args[1])
		if !IsValidDomain(name) {
			return fmt.Errorf("'%s' is not a valid domain name", name)
		}
		var aliases []string
		for _, a := range args[2:] {
			a = strings.ToLower(a)
			if !IsValidDomain(a) {
				return fmt.Errorf("'%s' is not a valid domain name", a)
			}
			aliases = append(aliases, a)
		}
		t.cfg.AddMd(MdBlock{Name: name, Aliases: aliases, DriveMode: DRIVE_AUTO})
		return t.handleReload()
	case "mode":
		if pn != 3 {
			return fmt.Errorf("invalid syntax: %s", args)
		}
		if args[2] != DRIVE_AUTO && args[2] != DRIVE_MANUAL {
			return fmt.Errorf("drive mode must be '%s' or '%s'", DRIVE_AUTO, DRIVE_MANUAL)
		}
		name := strings.ToLower(args[1])
		md, ok := t.findMd(name)
		if !ok {
			return fmt.Errorf("managed domain '%s' not found", name)
		}
		md.DriveMode = args[2]
		t.cfg.AddMd(md)
		return t.handleReload()
	default:
		name := strings.ToLower(args[0])
		md, ok := t.findMd(name)
		if !ok {
			return fmt.Errorf("managed domain '%s' not found", name)
		}
		t.output("%s", t.sprintMdDetail(md))
		return nil
	}
}

func (t *Terminal) handleDrive(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("invalid syntax: %s", args)
	}
	name := strings.ToLower(args[0])
	if err := t.drv.Drive(name); err != nil {
		return err
	}
	log.Info("md(%s): drive requested", name)
	return nil
}

func (t *Terminal) handleRenew(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("invalid syntax: %s", args)
	}
	name := strings.ToLower(args[0])
	if err := t.drv.Drive(name); err != nil {
		return err
	}
	log.Info("md(%s): renewal forced, current certificate stays active until replaced", name)
	return nil
}

func (t *Terminal) handleRollback(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("invalid syntax: %s", args)
	}
	name := strings.ToLower(args[0])
	if err := t.certs.Rollback(name); err != nil {
		return err
	}
	log.Important("md(%s): previous certificate restored", name)
	return nil
}

func (t *Terminal) handleRemove(args []string) error {
	pn := len(args)
	if pn < 1 || pn > 2 {
		return fmt.Errorf("invalid syntax: %s", args)
	}
	purge := false
	if pn == 2 {
		if args[1] != "purge" {
			return fmt.Errorf("invalid syntax: %s", args)
		}
		purge = true
	}
	name := strings.ToLower(args[0])
	if !t.cfg.RemoveMd(name) {
		return fmt.Errorf("managed domain '%s' not found", name)
	}
	t.drv.RemoveJob(name)
	if purge {
		if err := t.certs.Purge(name); err != nil {
			log.Error("md(%s): certificate purge: %v", name, err)
		}
	} else {
		log.Info("md(%s): certificate files kept, use 'remove %s purge' to delete them", name, name)
	}
	return t.handleReload()
}

func (t *Terminal) handleReload() error {
	reg, err := NewRegistry(t.cfg)
	if err != nil {
		return err
	}
	t.drv.ReconcileOnReload(reg)
	return nil
}

func (t *Terminal) createHelp() {
	h, _ := NewHelp()
	h.AddCommand("config", "general", "manage general configuration", "Shows values of all configuration variables and allows to change them.", LAYER_TOP,
		readline.PcItem("config", readline.PcItem("contact"), readline.PcItem("ca_url"), readline.PcItem("challenge", readline.PcItem(CHALLENGE_HTTP01), readline.PcItem(CHALLENGE_DNS01)), readline.PcItem("ip"), readline.PcItem("notify_cmd")))
	h.AddSubCommand("config", nil, "", "show all configuration variables")
	h.AddSubCommand("config", []string{"contact"}, "contact <email>", "set contact email used for authority account registration")
	h.AddSubCommand("config", []string{"ca_url"}, "ca_url <url>", "set directory url of the certificate authority")
	h.AddSubCommand("config", []string{"challenge"}, "challenge <http-01|dns-01>", "set the challenge type offered to the authority")
	h.AddSubCommand("config", []string{"ip"}, "ip <ip_address>", "set ip address of the current server (answered for dns-01 lookups)")
	h.AddSubCommand("config", []string{"notify_cmd"}, "notify_cmd <path>", "set command to run once for every completed renewal")

	h.AddCommand("mds", "general", "manage domains and show their certificate status", "Shows all managed domains with their lifecycle state and certificate expiry. Allows to add domains and change their drive mode.", LAYER_TOP,
		readline.PcItem("mds", readline.PcItem("add"), readline.PcItem("mode", readline.PcItemDynamic(t.mdPrefixCompleter, readline.PcItem(DRIVE_AUTO), readline.PcItem(DRIVE_MANUAL))), readline.PcItemDynamic(t.mdPrefixCompleter)))
	h.AddSubCommand("mds", nil, "", "show status of all managed domains")
	h.AddSubCommand("mds", nil, "<name>", "show details of a managed domain, including its drive job")
	h.AddSubCommand("mds", []string{"add"}, "add <name> <alias> <alias> ...", "add a managed domain with optional aliases, driven automatically")
	h.AddSubCommand("mds", []string{"mode"}, "mode <name> <auto|manual>", "change the drive mode of a managed domain")

	h.AddCommand("drive", "general", "start an issuance attempt for a domain", "Starts an issuance attempt for a managed domain right away. Domains in 'manual' mode only ever get certificates through this command.", LAYER_TOP,
		readline.PcItem("drive", readline.PcItemDynamic(t.mdPrefixCompleter)))
	h.AddSubCommand("drive", nil, "<name>", "start an issuance attempt for the managed domain <name>")

	h.AddCommand("renew", "general", "force renewal of a valid certificate", "Forces renewal of a certificate that is not yet due. The current certificate stays active until the replacement is stored.", LAYER_TOP,
		readline.PcItem("renew", readline.PcItemDynamic(t.mdPrefixCompleter)))
	h.AddSubCommand("renew", nil, "<name>", "force renewal for the managed domain <name>")

	h.AddCommand("rollback", "general", "restore the previous certificate", "Restores the certificate that was active before the last renewal, if its backup still exists.", LAYER_TOP,
		readline.PcItem("rollback", readline.PcItemDynamic(t.mdPrefixCompleter)))
	h.AddSubCommand("rollback", nil, "<name>", "restore the previous certificate of the managed domain <name>")

	h.AddCommand("remove", "general", "remove a managed domain", "Removes a managed domain from the configuration. Certificate files stay on disk unless 'purge' is given.", LAYER_TOP,
		readline.PcItem("remove", readline.PcItemDynamic(t.mdPrefixCompleter, readline.PcItem("purge"))))
	h.AddSubCommand("remove", nil, "<name>", "remove the managed domain <name> and keep its certificate files")
	h.AddSubCommand("remove", []string{"purge"}, "<name> purge", "remove the managed domain <name> and delete its certificate files")

	h.AddCommand("reload", "general", "reload configuration and reconcile state", "Rebuilds the domain registry from configuration and sweeps challenge state that belongs to no configured domain.", LAYER_TOP,
		readline.PcItem("reload"))

	h.AddCommand("clear", "general", "clears the screen", "Clears the screen.", LAYER_TOP,
		readline.PcItem("clear"))

	t.hlp = h
}

func (t *Terminal) checkStatus() {
	if t.cfg.GetContact() == "" {
		log.Warning("contact email not set! type: config contact <email>")
	}
	if t.cfg.GetChallengeType() == CHALLENGE_DNS01 && t.cfg.GetServerIP() == "" {
		log.Warning("server ip not set! type: config ip <ip_address>")
	}
}

func (t *Terminal) findMd(name string) (MdBlock, bool) {
	for _, md := range t.cfg.GetMds() {
		if md.Name == name {
			return md, true
		}
	}
	return MdBlock{}, false
}

func (t *Terminal) sprintMdStatus(site string) string {
	higreen := color.New(color.FgHiGreen)
	hired := color.New(color.FgHiRed)
	hiblue := color.New(color.FgHiBlue)
	yellow := color.New(color.FgYellow)

	cols := []string{"md", "mode", "state", "expires", "errors", "next run"}
	var rows [][]string
	for _, st := range t.drv.Status() {
		if site != "" && st.Name != site {
			continue
		}
		state := st.State
		switch state {
		case MD_STATE_VALID:
			state = higreen.Sprint(state)
		case MD_STATE_ISSUING, MD_STATE_RENEWAL_DUE:
			state = yellow.Sprint(state)
		default:
			state = hired.Sprint(state)
		}
		expires := "-"
		if !st.Expires.IsZero() {
			expires = st.Expires.Format("2006-01-02 15:04")
		}
		next_run := "-"
		if !st.NextRun.IsZero() {
			next_run = st.NextRun.Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{hiblue.Sprint(st.Name), st.Mode, state, expires, fmt.Sprintf("%d", st.ErrorRuns), next_run})
	}
	return AsTable(cols, rows)
}

func (t *Terminal) sprintMdDetail(md MdBlock) string {
	keys := []string{"name", "aliases", "mode", "contact", "state", "expires", "errors", "last message"}
	vals := []string{md.Name, strings.Join(md.Aliases, " "), md.DriveMode, md.Contact, t.drv.DomainState(md.Name), "-", "0", ""}

	if rec := t.certs.Get(md.Name); rec != nil {
		vals[5] = rec.ExpiresAt.Format(time.RFC3339)
	}
	if job, _ := t.db.GetJob(md.Name); job != nil {
		vals[6] = fmt.Sprintf("%d", job.ErrorRuns)
		vals[7] = job.LastMessage
	}
	return AsRows(keys, vals)
}

func (t *Terminal) mdPrefixCompleter(args string) []string {
	var ret []string
	for _, md := range t.cfg.GetMds() {
		ret = append(ret, md.Name)
	}
	return ret
}

func (t *Terminal) filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}
