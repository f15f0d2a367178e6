/*
mlist - Mailing list manager.
Copyright © 2019-2024 Max Mazurov <fox.cpp@disroot.org>, mlist contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package site reads the site configuration and wires the queues, their
// runners, the LMTP acceptor, the scheduler and the metrics endpoint
// together.
package site

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/hooks"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/framework/module"
	"github.com/foxcpp/mlist/internal/archive"
	"github.com/foxcpp/mlist/internal/bounce"
	"github.com/foxcpp/mlist/internal/chain"
	"github.com/foxcpp/mlist/internal/command"
	"github.com/foxcpp/mlist/internal/delivery"
	"github.com/foxcpp/mlist/internal/digest"
	"github.com/foxcpp/mlist/internal/dkim"
	"github.com/foxcpp/mlist/internal/lmtp"
	"github.com/foxcpp/mlist/internal/metrics"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/moderation"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/pipeline"
	"github.com/foxcpp/mlist/internal/runner"
	"github.com/foxcpp/mlist/internal/scheduler"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var Version = "unknown (built from source tree)"

// Site is the configured installation.
type Site struct {
	Hostname  string
	SiteOwner string
	StateDir  string
	QueueDir  string
	DataDir   string

	Store     mlist.Store
	Pending   mlist.PendingStore
	Messages  mlist.MessageStore
	Queues    *switchboard.Set
	Templates *templates.Loader
	Notify    *notify.Notifier
	Moderator *moderation.Moderator
	Digests   *digest.Spool
	Bounces   *bounce.Processor

	// LMTP is nil if the lmtp block is missing.
	LMTP *lmtp.Acceptor
	// Metrics is nil if the openmetrics block is missing.
	Metrics   *metrics.Endpoint
	Scheduler *scheduler.Scheduler
	Runners   []*runner.Runner
	// Retry moves the retry queue back to the out queue, it is run by the
	// scheduler.
	Retry *runner.Runner

	Hooks hooks.Set
	Now   func() time.Time
	Log   log.Logger

	closers []io.Closer
}

// deliveryOpts is the delivery block.
type deliveryOpts struct {
	retryPeriod      time.Duration
	retrySchedule    string
	maxRecipients    int
	devmodeRecipient string
	verpPersonalized bool
	verpInterval     int
}

// bounceOpts is the bounce block.
type bounceOpts struct {
	processSchedule  string
	warningsSchedule string
	sendProbes       bool
	probeLifetime    time.Duration
}

type runnerOpts struct {
	pollInterval time.Duration
	slices       map[string]int
}

// blockDirective keeps the node to be processed once the site-wide values
// are known.
func blockDirective(_ *config.Map, node config.Node) (interface{}, error) {
	return &node, nil
}

func headerCheckDirective(checks *[]mlist.HeaderMatch) func(*config.Map, config.Node) error {
	return func(_ *config.Map, node config.Node) error {
		if len(node.Args) < 2 || len(node.Args) > 3 {
			return config.NodeErr(node, "expected: header_check <field> <pattern> [action]")
		}
		hm := mlist.HeaderMatch{Header: node.Args[0], Pattern: node.Args[1]}
		if len(node.Args) == 3 {
			hm.Action = mlist.Action(node.Args[2])
		}
		*checks = append(*checks, hm)
		return nil
	}
}

func (s *Site) archiveDirective(archivers *[]archive.Archiver) func(*config.Map, config.Node) error {
	return func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 1 {
			return config.NodeErr(node, "expected: archive <prototype|blob|mail-archive>")
		}
		cfg := config.NewMap(nil, node)

		switch node.Args[0] {
		case "prototype":
			a := &archive.Prototype{Now: s.now}
			cfg.String("dir", false, "archives", &a.Dir)
			cfg.String("base_url", false, "", &a.BaseURL)
			if err := cfg.Process(); err != nil {
				return err
			}
			a.Dir = s.path(a.Dir)
			*archivers = append(*archivers, a)
		case "blob":
			a := &archive.Blob{}
			cfg.Custom("store", true, nil, s.blobDirective, &a.Store)
			cfg.String("base_url", false, "", &a.BaseURL)
			if err := cfg.Process(); err != nil {
				return err
			}
			*archivers = append(*archivers, a)
		case "mail-archive":
			a := &archive.MailArchive{}
			cfg.String("base_url", false, "", &a.BaseURL)
			cfg.String("recipient", false, "", &a.Recipient)
			if err := cfg.Process(); err != nil {
				return err
			}
			// Notify is created later.
			*archivers = append(*archivers, a)
		default:
			return config.NodeErr(node, "unknown archiver: %s", node.Args[0])
		}
		return nil
	}
}

func slicesDirective(slices map[string]int) func(*config.Map, config.Node) error {
	return func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 2 {
			return config.NodeErr(node, "expected: slices <queue> <count>")
		}
		n, err := strconv.Atoi(node.Args[1])
		if err != nil || n < 1 {
			return config.NodeErr(node, "invalid slice count: %s", node.Args[1])
		}
		// Slice counts must be powers of two so the hash space is split
		// evenly.
		if n&(n-1) != 0 {
			return config.NodeErr(node, "slice count should be a power of two")
		}
		for _, q := range switchboard.AllQueues {
			if q == node.Args[0] {
				slices[q] = n
				return nil
			}
		}
		return config.NodeErr(node, "unknown queue: %s", node.Args[0])
	}
}

func (s *Site) now() time.Time {
	return s.Now()
}

// Load configures the site from the parsed configuration file. Listeners
// are not opened until Listen.
func Load(root config.Node, logger log.Logger) (*Site, error) {
	s := &Site{
		Now: time.Now,
		Log: logger,
	}
	if err := s.load(root); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Site) load(root config.Node) error {
	var (
		logOut          log.Output
		defaultLang     string
		templatesDir    string
		maxResponses    int
		pendingLifetime time.Duration
		evictSchedule   string
		digestSchedule  string
		siteBans        []string
		headerChecks    []mlist.HeaderMatch
		archivers       []archive.Archiver
		attachments     module.BlobStore
		attachmentURL   string
		htmlPolicy      string
		preserve        bool

		storageNode, pendingNode, messagesNode *config.Node
		lmtpNode, relayNode, metricsNode       *config.Node
		dkimNode, milterNode                   *config.Node
		deliveryNode, bounceNode, runnersNode  *config.Node
	)

	hostname, _ := os.Hostname()
	cfg := config.NewMap(nil, root)
	cfg.String("hostname", false, hostname, &s.Hostname)
	cfg.String("site_owner", true, "", &s.SiteOwner)
	cfg.String("state_dir", false, DefaultStateDirectory, &s.StateDir)
	cfg.String("queue_dir", false, "queue", &s.QueueDir)
	cfg.String("data_dir", false, "data", &s.DataDir)
	cfg.Custom("log", false, func() (interface{}, error) {
		return s.Log.Out, nil
	}, s.logDirective, &logOut)
	cfg.Bool("debug", s.Log.Debug, &s.Log.Debug)
	cfg.String("default_language", false, "en", &defaultLang)
	cfg.String("templates_dir", false, "", &templatesDir)
	cfg.Int("max_autoresponses_per_day", false, notify.DefaultMaxAutoresponses, &maxResponses)
	cfg.Duration("pending_lifetime", false, 3*24*time.Hour, &pendingLifetime)
	cfg.String("pending_evict_schedule", false, "@hourly", &evictSchedule)
	cfg.String("digest_schedule", false, "@daily", &digestSchedule)
	cfg.StringList("site_bans", false, nil, &siteBans)
	cfg.Callback("header_check", headerCheckDirective(&headerChecks))
	cfg.Callback("archive", s.archiveDirective(&archivers))
	cfg.Custom("attachments", false, nil, s.blobDirective, &attachments)
	cfg.String("attachment_url", false, "", &attachmentURL)
	cfg.Enum("html_policy", false, []string{
		pipeline.HTMLDiscard, pipeline.HTMLRemove, pipeline.HTMLEscape, pipeline.HTMLAttach, pipeline.HTMLInline,
	}, pipeline.HTMLAttach, &htmlPolicy)
	cfg.Bool("preserve_filtered", false, &preserve)

	for name, store := range map[string]**config.Node{
		"storage":       &storageNode,
		"pending":       &pendingNode,
		"message_store": &messagesNode,
		"lmtp":          &lmtpNode,
		"relay":         &relayNode,
		"openmetrics":   &metricsNode,
		"dkim":          &dkimNode,
		"milter":        &milterNode,
		"delivery":      &deliveryNode,
		"bounce":        &bounceNode,
		"runners":       &runnersNode,
	} {
		cfg.Custom(name, false, nil, blockDirective, store)
	}

	// state_dir is needed to resolve paths in the directives above, so it
	// is looked up first.
	for _, node := range root.Children {
		if node.Name == "state_dir" && len(node.Args) == 1 {
			s.StateDir = node.Args[0]
		}
	}
	if s.StateDir == "" {
		s.StateDir = DefaultStateDirectory
	}
	if err := cfg.Process(); err != nil {
		return err
	}
	if !filepath.IsAbs(s.StateDir) {
		abs, err := filepath.Abs(s.StateDir)
		if err != nil {
			return err
		}
		s.StateDir = abs
	}
	if err := ensureDirectoryWritable(s.StateDir); err != nil {
		return err
	}
	s.QueueDir = s.path(s.QueueDir)
	s.DataDir = s.path(s.DataDir)
	if logOut != nil {
		s.Log.Out = logOut
	}
	globals := map[string]interface{}{
		"hostname": s.Hostname,
	}

	if err := s.openStorage(storageNode); err != nil {
		return err
	}
	if err := s.openPending(pendingNode); err != nil {
		return err
	}
	if err := s.openMessages(messagesNode); err != nil {
		return err
	}
	var err error
	s.Queues, err = switchboard.NewSet(s.QueueDir, s.Log.Sublogger("switchboard"))
	if err != nil {
		return err
	}

	s.Templates = templates.New(s.path(templatesDir), defaultLang)
	s.Notify = &notify.Notifier{
		Virgin:                 s.Queues.Get(switchboard.Virgin),
		Templates:              s.Templates,
		Store:                  s.Store,
		SiteOwner:              s.SiteOwner,
		Hostname:               s.Hostname,
		MaxAutoresponsesPerDay: maxResponses,
		Now:                    s.now,
		Log:                    s.Log.Sublogger("notify"),
	}
	for _, a := range archivers {
		if ma, ok := a.(*archive.MailArchive); ok {
			ma.Notify = s.Notify
		}
	}
	s.Moderator = &moderation.Moderator{
		Requests:      s.Store,
		Messages:      s.Messages,
		Pending:       s.Pending,
		Roster:        s.Store,
		In:            s.Queues.Get(switchboard.In),
		Bad:           s.Queues.Get(switchboard.Bad),
		Notify:        s.Notify,
		TokenLifetime: pendingLifetime,
		Now:           s.now,
		Log:           s.Log.Sublogger("moderation"),
	}
	s.Digests = &digest.Spool{
		DataDir: s.DataDir,
		Lists:   s.Store,
		Queue:   s.Queues.Get(switchboard.Digest),
		Now:     s.now,
		Log:     s.Log.Sublogger("digest"),
	}

	var signer *dkim.Signer
	if dkimNode != nil {
		signer = dkim.New(s.Log.Sublogger("dkim"))
		signer.Now = s.now
		if err := signer.Init(config.NewMap(globals, *dkimNode)); err != nil {
			return err
		}
	}
	var milterRule *chain.MilterRule
	if milterNode != nil {
		var failOpen bool
		mcfg := config.NewMap(globals, *milterNode)
		mcfg.Bool("fail_open", false, &failOpen)
		if err := mcfg.Process(); err != nil {
			return err
		}
		if len(milterNode.Args) != 1 {
			return config.NodeErr(*milterNode, "exactly one milter address is required")
		}
		milterRule, err = chain.NewMilterRule(milterNode.Args[0], failOpen, s.Log.Sublogger("milter"))
		if err != nil {
			return config.NodeErr(*milterNode, "%v", err)
		}
	}

	dopts, err := parseDelivery(globals, deliveryNode)
	if err != nil {
		return err
	}
	bopts, err := parseBounce(globals, bounceNode)
	if err != nil {
		return err
	}
	ropts, err := parseRunners(globals, runnersNode)
	if err != nil {
		return err
	}

	s.Bounces = &bounce.Processor{
		Lists:         s.Store,
		Roster:        s.Store,
		Bounces:       s.Store,
		Pending:       s.Pending,
		Messages:      s.Messages,
		Notify:        s.Notify,
		Out:           s.Queues.Get(switchboard.Out),
		SendProbes:    bopts.sendProbes,
		ProbeLifetime: bopts.probeLifetime,
		Now:           s.now,
		Log:           s.Log.Sublogger("bounce"),
	}

	chains := chain.New(chain.Config{
		Roster:       s.Store,
		Resolver:     net.DefaultResolver,
		SiteBans:     siteBans,
		HeaderChecks: headerChecks,
		Milter:       milterRule,
		Log:          s.Log.Sublogger("chain"),
	})
	pipelines := pipeline.New(pipeline.Config{
		Lists:            s.Store,
		Roster:           s.Store,
		Archive:          s.Queues.Get(switchboard.Archive),
		Out:              s.Queues.Get(switchboard.Out),
		Bad:              s.Queues.Get(switchboard.Bad),
		Notify:           s.Notify,
		Digests:          s.Digests,
		Archivers:        archive.Pipeline(archivers),
		Attachments:      attachments,
		AttachmentURL:    attachmentURL,
		HTMLPolicy:       htmlPolicy,
		DataDir:          s.DataDir,
		DKIM:             signer,
		VERPPersonalized: dopts.verpPersonalized,
		VERPInterval:     dopts.verpInterval,
		PreserveFiltered: preserve,
		Version:          "mlist " + Version,
		Now:              s.now,
		Log:              s.Log.Sublogger("pipeline"),
	})
	pipelineStage := &pipeline.Stage{
		Engine: pipelines,
		Notify: s.Notify,
		Log:    s.Log.Sublogger("pipeline"),
	}

	stages := map[string]runner.Stage{
		switchboard.In: &chain.Incoming{
			Engine:    chains,
			Pipeline:  s.Queues.Get(switchboard.Pipeline),
			Moderator: s.Moderator,
			Notify:    s.Notify,
			Log:       s.Log.Sublogger("incoming"),
		},
		switchboard.Pipeline: pipelineStage,
		switchboard.Virgin:   pipelineStage,
		switchboard.Bounces: &bounce.Stage{
			Bounces:  s.Store,
			Pending:  s.Pending,
			Roster:   s.Store,
			Messages: s.Messages,
			Notify:   s.Notify,
			Now:      s.now,
			Log:      s.Log.Sublogger("bounces"),
		},
		switchboard.Command: &command.Processor{
			Roster:        s.Store,
			Pending:       s.Pending,
			Moderator:     s.Moderator,
			Notify:        s.Notify,
			TokenLifetime: pendingLifetime,
			Now:           s.now,
			Log:           s.Log.Sublogger("command"),
		},
		switchboard.Archive: &archive.Stage{
			Archivers: archivers,
			Log:       s.Log.Sublogger("archive"),
		},
		switchboard.Digest: &digest.Stage{
			Builder: &digest.Builder{Templates: s.Templates, Now: s.now},
			Roster:  s.Store,
			Virgin:  s.Queues.Get(switchboard.Virgin),
			Log:     s.Log.Sublogger("digest"),
		},
	}
	for _, q := range switchboard.AllQueues {
		if q == switchboard.Out {
			if relayNode == nil {
				return config.NodeErr(root, "relay block is required")
			}
			if err := s.addDeliveryRunners(globals, *relayNode, signer, dopts, ropts); err != nil {
				return err
			}
			continue
		}
		stage, ok := stages[q]
		if !ok {
			continue
		}
		if err := s.addRunners(q, stage, ropts); err != nil {
			return err
		}
	}
	s.Retry = runner.New(s.Queues.Get(switchboard.Retry), s.Store, &delivery.RetryStage{
		Out: s.Queues.Get(switchboard.Out),
		Log: s.Log.Sublogger("retry"),
	}, s.Log.Sublogger("runner/retry"))

	if lmtpNode != nil {
		s.LMTP = lmtp.New(s.Store, s.Queues, s.Log.Sublogger("lmtp"))
		s.LMTP.SiteOwner = s.SiteOwner
		s.LMTP.Now = s.now
		if err := s.LMTP.Configure(config.NewMap(globals, *lmtpNode)); err != nil {
			return err
		}
	}
	if metricsNode != nil {
		s.Metrics = metrics.New(s.Log.Sublogger("openmetrics"))
		if err := s.Metrics.Configure(config.NewMap(globals, *metricsNode)); err != nil {
			return err
		}
	}

	s.Scheduler = scheduler.New(s.Log.Sublogger("scheduler"))
	for _, t := range []scheduler.Task{
		{Name: "digests", Schedule: digestSchedule, Run: s.Digests.SendPeriodic},
		{Name: "bounce-events", Schedule: bopts.processSchedule, Run: s.Bounces.ProcessEvents},
		{Name: "bounce-warnings", Schedule: bopts.warningsSchedule, Run: s.Bounces.SendWarnings},
		{Name: "pending-evict", Schedule: evictSchedule, Run: s.Pending.Evict},
		{Name: "retry", Schedule: dopts.retrySchedule, Run: func(ctx context.Context) error {
			_, err := s.Retry.RunOnce(ctx)
			return err
		}},
	} {
		if err := s.Scheduler.Add(t); err != nil {
			return config.NodeErr(root, "%v", err)
		}
	}
	return nil
}

func parseDelivery(globals map[string]interface{}, node *config.Node) (deliveryOpts, error) {
	var opts deliveryOpts
	block := config.Node{}
	if node != nil {
		block = *node
	}
	cfg := config.NewMap(globals, block)
	cfg.Duration("retry_period", false, delivery.DefaultRetryPeriod, &opts.retryPeriod)
	cfg.String("retry_schedule", false, "@every 15m", &opts.retrySchedule)
	cfg.Int("max_recipients", false, 500, &opts.maxRecipients)
	cfg.String("devmode_recipient", false, "", &opts.devmodeRecipient)
	cfg.Bool("verp_personalized_delivery", false, &opts.verpPersonalized)
	cfg.Int("verp_delivery_interval", false, 0, &opts.verpInterval)
	if err := cfg.Process(); err != nil {
		return opts, err
	}
	if opts.maxRecipients < 0 || opts.verpInterval < 0 {
		return opts, config.NodeErr(block, "max_recipients and verp_delivery_interval should not be negative")
	}
	return opts, nil
}

func parseBounce(globals map[string]interface{}, node *config.Node) (bounceOpts, error) {
	var opts bounceOpts
	block := config.Node{}
	if node != nil {
		block = *node
	}
	cfg := config.NewMap(globals, block)
	cfg.String("process_schedule", false, "@every 15m", &opts.processSchedule)
	cfg.String("warnings_schedule", false, "@daily", &opts.warningsSchedule)
	cfg.Bool("send_probes", true, &opts.sendProbes)
	cfg.Duration("probe_lifetime", false, bounce.DefaultProbeLifetime, &opts.probeLifetime)
	err := cfg.Process()
	return opts, err
}

func parseRunners(globals map[string]interface{}, node *config.Node) (runnerOpts, error) {
	opts := runnerOpts{slices: map[string]int{}}
	block := config.Node{}
	if node != nil {
		block = *node
	}
	cfg := config.NewMap(globals, block)
	cfg.Duration("poll_interval", false, runner.DefaultPollInterval, &opts.pollInterval)
	cfg.Callback("slices", slicesDirective(opts.slices))
	err := cfg.Process()
	return opts, err
}

func (s *Site) addRunners(queue string, stage runner.Stage, opts runnerOpts) error {
	n := opts.slices[queue]
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		sb, err := s.Queues.Slice(queue, i, n)
		if err != nil {
			return err
		}
		r := runner.New(sb, s.Store, stage, s.Log.Sublogger("runner/"+queue))
		r.PollInterval = opts.pollInterval
		s.Runners = append(s.Runners, r)
	}
	return nil
}

// addDeliveryRunners creates the out queue runners. Every slice gets its
// own relay connection.
func (s *Site) addDeliveryRunners(globals map[string]interface{}, relayNode config.Node, signer *dkim.Signer, dopts deliveryOpts, ropts runnerOpts) error {
	n := ropts.slices[switchboard.Out]
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		relay := &delivery.Relay{Log: s.Log.Sublogger("relay")}
		if err := relay.Configure(config.NewMap(globals, relayNode)); err != nil {
			return err
		}
		stage := &delivery.Stage{
			Transport:        relay,
			Roster:           s.Store,
			Bounces:          s.Store,
			Pending:          s.Pending,
			Retry:            s.Queues.Get(switchboard.Retry),
			Decorator:        &pipeline.Decorator{Templates: s.Templates},
			DKIM:             signer,
			MaxRecipients:    dopts.maxRecipients,
			DevmodeRecipient: dopts.devmodeRecipient,
			RetryPeriod:      dopts.retryPeriod,
			VERPPersonalized: dopts.verpPersonalized,
			VERPInterval:     dopts.verpInterval,
			Now:              s.now,
			Log:              s.Log.Sublogger("delivery"),
		}
		sb, err := s.Queues.Slice(switchboard.Out, i, n)
		if err != nil {
			return err
		}
		r := runner.New(sb, s.Store, stage, s.Log.Sublogger("runner/out"))
		r.PollInterval = ropts.pollInterval
		s.Runners = append(s.Runners, r)
		s.closers = append(s.closers, relay)
	}
	return nil
}

// Listen opens the LMTP and metrics listeners.
func (s *Site) Listen() error {
	if s.LMTP == nil {
		return errors.New("site: lmtp block is missing")
	}
	if err := s.LMTP.Listen(); err != nil {
		return err
	}
	if s.Metrics != nil {
		if err := s.Metrics.Listen(); err != nil {
			s.LMTP.Close()
			return err
		}
	}
	return nil
}

// Run processes the queues and runs the scheduled tasks until ctx is
// cancelled, then closes the listeners.
func (s *Site) Run(ctx context.Context) error {
	collector := &metrics.Collector{
		Queues: s.Queues,
		Lists:  s.Store,
		Store:  s.Store,
		Log:    s.Log.Sublogger("metrics"),
	}
	if err := prometheus.Register(collector); err != nil {
		s.Log.Error("cannot register the queue collector", err)
	} else {
		defer prometheus.Unregister(collector)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range s.Runners {
		r := r
		eg.Go(func() error {
			return r.Run(ctx)
		})
	}
	eg.Go(func() error {
		return s.Scheduler.Run(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		if s.LMTP != nil {
			s.LMTP.Close()
		}
		if s.Metrics != nil {
			s.Metrics.Close()
		}
		return nil
	})

	s.Log.Printf("running %d queue runners", len(s.Runners))
	err := eg.Wait()
	if err != nil {
		return fmt.Errorf("site: %w", err)
	}
	return nil
}

// Close runs the shutdown hooks and closes the stores.
func (s *Site) Close() error {
	s.Hooks.Run(hooks.EventShutdown)

	var lastErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.Log.Error("close failed", err)
			lastErr = err
		}
	}
	s.closers = nil
	return lastErr
}
