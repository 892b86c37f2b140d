package cmd

import (
	"fmt"
	"time"

	"github.com/inercia/marketchat/internal/appdir"
	"github.com/inercia/marketchat/internal/attachment"
	"github.com/inercia/marketchat/internal/audio/device"
	"github.com/inercia/marketchat/internal/audio/simulated"
	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/client"
	"github.com/inercia/marketchat/internal/config"
	"github.com/inercia/marketchat/internal/inbox"
	"github.com/inercia/marketchat/internal/logging"
	"github.com/inercia/marketchat/internal/store"
	"github.com/inercia/marketchat/internal/voice"
)

// newClient creates the REST client for the loaded configuration.
func newClient(c *config.Config) *client.Client {
	return client.New(c.Server.BaseURL,
		client.WithAPIPrefix(c.Server.APIPrefix),
		client.WithToken(c.Server.Token),
		client.WithTimeout(c.Server.Timeout),
		client.WithPresenceLimit(c.Presence.RatePerSecond, c.Presence.Burst),
	)
}

// cueConfig maps the playback settings onto the transition cue.
func cueConfig(c *config.Config) voice.CueConfig {
	cue := voice.DefaultCueConfig()
	cue.AssetURL = c.Playback.CueURL
	cue.Volume = c.Playback.CueVolume
	cue.ToneHz = c.Playback.CueToneHz
	cue.ToneDuration = c.Playback.CueDuration
	return cue
}

// attachmentDuration finds the stored duration of the voice attachment
// that resolves to url.
func attachmentDuration(messages []chat.Message, resolver *attachment.Resolver, url string) (float64, bool) {
	for _, m := range messages {
		for _, a := range m.Attachments {
			if a.Duration > 0 && resolver.Resolve(a.Path) == url {
				return a.Duration, true
			}
		}
	}
	return 0, false
}

// speakerBuffer is the sound card buffer length.
const speakerBuffer = 100 * time.Millisecond

// session bundles what a command needs to talk to the marketplace.
type session struct {
	client  *client.Client
	inbox   *inbox.Inbox
	cache   *store.Store
	backend voice.Backend
	pcm     voice.PCMSink
}

type sessionOptions struct {
	speed   float64
	onEvent func(inbox.Event)
}

// openSession wires the REST client, the local cache and the configured
// audio output into an inbox.
func openSession(c *config.Config, opts sessionOptions) (*session, error) {
	s := &session{client: newClient(c)}

	var ib *inbox.Inbox
	resolver := attachment.NewResolver(c.Server.BaseURL)
	var err error
	s.backend, s.pcm, err = newAudio(c, opts, func(url string) (float64, bool) {
		if ib == nil {
			return 0, false
		}
		return attachmentDuration(ib.Messages(), resolver, url)
	})
	if err != nil {
		return nil, err
	}

	ibCfg := inbox.Config{
		API:           s.client,
		Backend:       s.backend,
		PCM:           s.pcm,
		LocalUser:     c.User.Identity(),
		BaseURL:       c.Server.BaseURL,
		Cue:           cueConfig(c),
		TickInterval:  c.Playback.TickInterval,
		TypingTimeout: c.Presence.TypingTimeout,
		RemoteExpiry:  c.Presence.RemoteExpiry,
		OnEvent:       opts.onEvent,
	}
	if c.Cache.Enabled {
		dir, err := appdir.ThreadsDir()
		if err != nil {
			return nil, err
		}
		if s.cache, err = store.New(dir); err != nil {
			return nil, fmt.Errorf("failed to open thread cache: %w", err)
		}
		ibCfg.Cache = s.cache
	}

	if ib, err = inbox.New(ibCfg); err != nil {
		if s.cache != nil {
			s.cache.Close()
		}
		return nil, err
	}
	s.inbox = ib
	return s, nil
}

// newAudio returns the playback backend and cue sink for
// playback.output. Simulated voice notes "play" for their stored duration,
// sped up by opts.speed.
func newAudio(c *config.Config, opts sessionOptions, durationOf func(url string) (float64, bool)) (voice.Backend, voice.PCMSink, error) {
	if c.Playback.Output == config.OutputSpeaker {
		out, err := device.Speaker(device.DefaultSampleRate, speakerBuffer)
		if err != nil {
			return nil, nil, fmt.Errorf("playback.output %s: %w", c.Playback.Output, err)
		}
		return device.New(out, device.WithLogger(logging.Playback())), device.NewPCMSink(out), nil
	}

	backendOpts := []simulated.Option{
		simulated.WithLogger(logging.Playback()),
		simulated.WithDurationFunc(durationOf),
	}
	if opts.speed > 0 {
		backendOpts = append(backendOpts, simulated.WithSpeed(opts.speed))
	}
	return simulated.New(backendOpts...), &simulated.Speaker{}, nil
}

// Close releases the inbox and the cache.
func (s *session) Close() {
	s.inbox.Close()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			logging.Store().Warn("failed to close thread cache", "error", err)
		}
	}
}
