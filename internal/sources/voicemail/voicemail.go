// Package voicemail mirrors Asterisk voicemail spools into the store.
// A spool message is a file pair (msgNNNN.txt metadata, msgNNNN.wav
// audio) under basePath/<context>/<mailbox>/<folder>/. Discovery runs
// one shell command per tick and reconciles the result against the
// voicemail table; messages that vanished remotely are deleted locally.
package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/sources"
	"github.com/callscribe/callscribe/internal/store/models"
	"github.com/callscribe/callscribe/internal/tenantconf"
)

// RemoteFS is the slice of a remotefs session discovery needs.
type RemoteFS interface {
	RunCommand(ctx context.Context, cmd string) (string, error)
	ReadDir(ctx context.Context, p string) ([]os.FileInfo, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	MkdirAll(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
}

// Store is the slice of the voicemail repository discovery needs.
type Store interface {
	Upsert(ctx context.Context, m *models.VoicemailMessage) (bool, error)
	DeleteTombstones(ctx context.Context, tenantID, vmContext string, seenBefore time.Time) (int64, error)
}

// Source discovers voicemail messages over an SSH session.
type Source struct {
	logger *slog.Logger
	store  Store
}

func New(logger *slog.Logger, store Store) *Source {
	return &Source{
		logger: logger.With("source", models.SyncSourceVoicemail),
		store:  store,
	}
}

// Discover scans the tenant's voicemail spool and reconciles the
// store: every message found is upserted with a fresh lastSeenAt, and
// rows not seen by this pass are dropped as tombstones.
func (s *Source) Discover(ctx context.Context, fs RemoteFS, tenant *models.Tenant, cfg tenantconf.FreePbxSettings) (sources.Result, error) {
	start := time.Now().UTC()

	out, err := s.scan(ctx, fs, cfg)
	if err != nil {
		return sources.Result{}, err
	}
	msgs := parseScan(out, path.Join(cfg.VoicemailBasePath, cfg.VoicemailContext), cfg.VoicemailFolders)

	res := sources.Result{Scanned: len(msgs)}
	for _, m := range msgs {
		origtime, err := strconv.ParseInt(m.fields["origtime"], 10, 64)
		if err != nil {
			s.logger.Warn("voicemail metadata missing origtime",
				"tenant", tenant.ID,
				"path", m.metadataPath)
			continue
		}
		duration, _ := strconv.Atoi(m.fields["duration"])
		callerID := m.fields["callerid"]

		row := &models.VoicemailMessage{
			TenantID:        tenant.ID,
			Mailbox:         m.mailbox,
			Context:         cfg.VoicemailContext,
			Folder:          m.folder,
			MsgID:           m.msgID,
			PbxIdentity:     strings.Join([]string{m.mailbox, m.fields["origtime"], m.fields["duration"], callerID}, "|"),
			ReceivedAt:      time.Unix(origtime, 0).UTC(),
			CallerID:        callerID,
			DurationSeconds: duration,
			RecordingPath:   m.recordingPath,
			MetadataPath:    m.metadataPath,
			LastSeenAt:      start,
		}
		created, err := s.store.Upsert(ctx, row)
		if err != nil {
			return res, err
		}
		if created {
			res.Inserted++
			s.logger.Info("voicemail discovered",
				"tenant", tenant.ID,
				"mailbox", m.mailbox,
				"folder", m.folder,
				"msgId", m.msgID)
		}
	}

	deleted, err := s.store.DeleteTombstones(ctx, tenant.ID, cfg.VoicemailContext, start)
	if err != nil {
		return res, err
	}
	if deleted > 0 {
		s.logger.Info("voicemail tombstones removed", "tenant", tenant.ID, "count", deleted)
	}
	res.Skipped = res.Scanned - res.Inserted
	return res, nil
}

// scan lists every message metadata file in one round trip. grep -H
// prefixes each match with its path, giving path:key=value lines.
func (s *Source) scan(ctx context.Context, fs RemoteFS, cfg tenantconf.FreePbxSettings) (string, error) {
	dir := path.Join(cfg.VoicemailBasePath, cfg.VoicemailContext)
	if strings.Contains(dir, "'") {
		return "", apperr.Config("voicemail.scan", fmt.Sprintf("voicemail path %q must not contain quotes", dir))
	}
	cmd := fmt.Sprintf(
		"[ -d '%[1]s' ] || exit 0; "+
			"find '%[1]s' -mindepth 3 -maxdepth 3 -type f -name 'msg*.txt' -print0 | "+
			"xargs -0 -r grep -H -E '^(origtime|duration|callerid)=' || true",
		dir)
	return fs.RunCommand(ctx, cmd)
}

type scanned struct {
	mailbox       string
	folder        string
	msgID         string
	metadataPath  string
	recordingPath string
	fields        map[string]string
}

// parseScan groups path:key=value lines by metadata file. Folders
// outside the configured set (other mailbox users' Work/Family
// folders) are ignored.
func parseScan(out, scanRoot string, folders []string) []*scanned {
	allowed := map[string]bool{}
	for _, f := range folders {
		allowed[f] = true
	}

	byPath := map[string]*scanned{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		p, kv, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}

		rel := strings.TrimPrefix(p, scanRoot+"/")
		parts := strings.Split(rel, "/")
		if len(parts) != 3 || !strings.HasSuffix(parts[2], ".txt") {
			continue
		}
		mailbox, folder, file := parts[0], parts[1], parts[2]
		if len(allowed) > 0 && !allowed[folder] {
			continue
		}

		m, ok := byPath[p]
		if !ok {
			stem := strings.TrimSuffix(p, ".txt")
			m = &scanned{
				mailbox:       mailbox,
				folder:        folder,
				msgID:         strings.TrimSuffix(file, ".txt"),
				metadataPath:  p,
				recordingPath: stem + ".wav",
				fields:        map[string]string{},
			}
			byPath[p] = m
		}
		if _, dup := m.fields[key]; !dup {
			m.fields[key] = value
		}
	}

	msgs := make([]*scanned, 0, len(byPath))
	for _, m := range byPath {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].metadataPath < msgs[j].metadataPath })
	return msgs
}

var msgSlot = regexp.MustCompile(`^msg(\d{4})`)

// MoveToOld renames every file of a message from its current folder
// into Old, taking the next free slot. Already-moved messages are
// left alone. Returns the message's new folder, id and paths.
func MoveToOld(ctx context.Context, fs RemoteFS, m *models.VoicemailMessage) (folder, msgID, recordingPath, metadataPath string, err error) {
	const op = "voicemail.moveToOld"

	if m.Folder == "Old" {
		return m.Folder, m.MsgID, m.RecordingPath, m.MetadataPath, nil
	}

	srcDir := path.Dir(m.MetadataPath)
	oldDir := path.Join(path.Dir(srcDir), "Old")
	if err := fs.MkdirAll(ctx, oldDir); err != nil {
		return "", "", "", "", err
	}

	entries, err := fs.ReadDir(ctx, oldDir)
	if err != nil {
		return "", "", "", "", err
	}
	slot := 0
	for _, e := range entries {
		match := msgSlot.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err == nil && n+1 > slot {
			slot = n + 1
		}
	}
	newID := fmt.Sprintf("msg%04d", slot)

	srcEntries, err := fs.ReadDir(ctx, srcDir)
	if err != nil {
		return "", "", "", "", err
	}
	moved := 0
	for _, e := range srcEntries {
		name := e.Name()
		ext := path.Ext(name)
		if strings.TrimSuffix(name, ext) != m.MsgID {
			continue
		}
		if err := fs.Rename(ctx, path.Join(srcDir, name), path.Join(oldDir, newID+ext)); err != nil {
			return "", "", "", "", err
		}
		moved++
	}
	if moved == 0 {
		return "", "", "", "", apperr.RemoteFS(op, fmt.Sprintf("no files for %s in %s", m.MsgID, srcDir), nil)
	}

	return "Old", newID,
		path.Join(oldDir, newID+path.Ext(m.RecordingPath)),
		path.Join(oldDir, newID+".txt"),
		nil
}

// audioExtensions in probe order. Asterisk writes whichever formats
// the mailbox is configured for.
var audioExtensions = []string{".wav", ".WAV", ".gsm", ".mp3"}

// ResolveAudio finds the message's audio file, trying the recorded
// path first and then sibling formats.
func ResolveAudio(ctx context.Context, fs RemoteFS, m *models.VoicemailMessage) (string, error) {
	const op = "voicemail.audio"

	if m.RecordingPath != "" {
		ok, err := fs.Exists(ctx, m.RecordingPath)
		if err != nil {
			return "", err
		}
		if ok {
			return m.RecordingPath, nil
		}
	}

	stem := strings.TrimSuffix(m.MetadataPath, ".txt")
	for _, ext := range audioExtensions {
		p := stem + ext
		if p == m.RecordingPath {
			continue
		}
		ok, err := fs.Exists(ctx, p)
		if err != nil {
			return "", err
		}
		if ok {
			return p, nil
		}
	}
	return "", apperr.RemoteFS(op, fmt.Sprintf("no audio for %s", m.MetadataPath), nil)
}
