package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/truthgate/truthgate/pkg/cache"
	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/ipns"
	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/types"
)

// JobState is the lifecycle phase of a publish job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateSwapping  JobState = "swapping"
	StatePublished JobState = "published"
	StateFailed    JobState = "failed"
)

// JobStatus is the externally visible state of one publish job.
type JobStatus struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	State     JobState  `json:"state"`
	Cid       string    `json:"cid,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Service ingests site uploads into staging and runs the single-worker
// publish queue that swaps them into production.
type Service struct {
	node    *node.Client
	cfg     *config.Manager
	cache   *cache.Cache
	updater *ipns.Updater
	logger  zerolog.Logger

	queue chan *types.PublishJob

	mu     sync.Mutex
	status map[string]*JobStatus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates the publish service.
func NewService(n *node.Client, cfg *config.Manager, c *cache.Cache, u *ipns.Updater) *Service {
	return &Service{
		node:    n,
		cfg:     cfg,
		cache:   c,
		updater: u,
		logger:  log.WithComponent("publish"),
		queue:   make(chan *types.PublishJob, 16),
		status:  make(map[string]*JobStatus),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the publish worker. Swaps are serialized on purpose:
// two concurrent swaps of the same site folder would race the node.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop drains the in-flight job and exits.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Status returns the status of a job, or nil when unknown.
func (s *Service) Status(jobID string) *JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[jobID]; ok {
		cp := *st
		return &cp
	}
	return nil
}

func (s *Service) setStatus(jobID, domain string, state JobState, cid, errMsg string) {
	s.mu.Lock()
	s.status[jobID] = &JobStatus{
		ID: jobID, Domain: domain, State: state,
		Cid: cid, Error: errMsg, UpdatedAt: time.Now().UTC(),
	}
	s.mu.Unlock()
}

// Ingest streams a multipart upload into the staging area and queues the
// publish. The part name carries the file's relative path; when absent
// the part filename is used. The set must contain a root index.html
// after common-folder stripping.
func (s *Service) Ingest(ctx context.Context, d *types.EdgeDomain, mr *multipart.Reader, note string) (*types.PublishJob, error) {
	jobID := uuid.New().String()
	stagingRoot := "/staging/sites/" + d.SiteFolderLeaf + "/" + jobID

	var paths []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.cleanupStaging(stagingRoot)
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		raw := part.FormName()
		if raw == "" || raw == "file" {
			raw = part.FileName()
		}
		rel, err := NormalizeRelPath(raw)
		if err != nil {
			part.Close()
			s.cleanupStaging(stagingRoot)
			return nil, err
		}
		mimeType := part.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = mime.TypeByExtension(path.Ext(rel))
		}
		if err := s.node.FilesWrite(ctx, stagingRoot+"/"+rel, part, mimeType); err != nil {
			part.Close()
			s.cleanupStaging(stagingRoot)
			return nil, fmt.Errorf("failed to stage %s: %w", rel, err)
		}
		part.Close()
		paths = append(paths, rel)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("empty upload")
	}

	stripped, err := s.stripCommonRoot(ctx, stagingRoot, paths)
	if err != nil {
		s.cleanupStaging(stagingRoot)
		return nil, err
	}
	if !HasRootIndex(stripped) {
		s.cleanupStaging(stagingRoot)
		return nil, fmt.Errorf("upload has no root index.html")
	}

	job := &types.PublishJob{
		ID:          jobID,
		Domain:      d.Domain,
		SiteLeaf:    d.SiteFolderLeaf,
		TgpLeaf:     d.TgpFolderLeaf,
		StagingRoot: stagingRoot,
		Note:        note,
		IpnsKeyName: d.IpnsKeyName,
		CreatedAt:   time.Now().UTC(),
	}
	s.setStatus(job.ID, job.Domain, StateQueued, "", "")
	select {
	case s.queue <- job:
	default:
		s.cleanupStaging(stagingRoot)
		s.setStatus(job.ID, job.Domain, StateFailed, "", "publish queue full")
		return nil, fmt.Errorf("publish queue full")
	}
	s.logger.Info().Str("job_id", job.ID).Str("domain", job.Domain).Int("files", len(paths)).Msg("upload staged")
	return job, nil
}

// stripCommonRoot hoists the contents of a single shared wrapper folder
// (a "dist/" style upload) to the staging root. When no wrapper covers
// the whole set but the set lacks a root index.html and exactly one
// folder carries one, that folder is hoisted instead.
func (s *Service) stripCommonRoot(ctx context.Context, stagingRoot string, paths []string) ([]string, error) {
	if root := CommonRootFolder(paths); root != "" {
		// Shuffle the wrapper folder aside, drop the old root, move it back.
		tmp := stagingRoot + ".tmp"
		if err := s.node.FilesMv(ctx, stagingRoot+"/"+root, tmp); err != nil {
			return nil, fmt.Errorf("failed to hoist %s: %w", root, err)
		}
		if err := s.node.FilesRm(ctx, stagingRoot, true); err != nil {
			return nil, fmt.Errorf("failed to drop wrapper folder: %w", err)
		}
		if err := s.node.FilesMv(ctx, tmp, stagingRoot); err != nil {
			return nil, fmt.Errorf("failed to restore staging root: %w", err)
		}
		return trimFolder(paths, root), nil
	}

	if HasRootIndex(paths) {
		return paths, nil
	}
	root := SoleIndexFolder(paths)
	if root == "" {
		return paths, nil
	}
	return s.hoistFolder(ctx, stagingRoot, paths, root)
}

// hoistFolder lifts one folder's immediate children to the staging root,
// leaving files outside the folder where they are.
func (s *Service) hoistFolder(ctx context.Context, stagingRoot string, paths []string, root string) ([]string, error) {
	children := make(map[string]struct{})
	for _, p := range paths {
		rest, ok := strings.CutPrefix(p, root+"/")
		if !ok {
			continue
		}
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		children[rest] = struct{}{}
	}
	for child := range children {
		if err := s.node.FilesMv(ctx, stagingRoot+"/"+root+"/"+child, stagingRoot+"/"+child); err != nil {
			return nil, fmt.Errorf("failed to hoist %s/%s: %w", root, child, err)
		}
	}
	if err := s.node.FilesRm(ctx, stagingRoot+"/"+root, true); err != nil && !node.IsNotFound(err) {
		return nil, fmt.Errorf("failed to drop hoisted folder %s: %w", root, err)
	}
	return trimFolder(paths, root), nil
}

func trimFolder(paths []string, root string) []string {
	stripped := make([]string, len(paths))
	for i, p := range paths {
		stripped[i] = strings.TrimPrefix(p, root+"/")
	}
	return stripped
}

func (s *Service) cleanupStaging(stagingRoot string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.node.FilesRm(ctx, stagingRoot, true); err != nil && !node.IsNotFound(err) {
		s.logger.Warn().Err(err).Str("staging", stagingRoot).Msg("staging cleanup failed")
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.queue:
			s.process(job)
		case <-s.stopCh:
			select {
			case job := <-s.queue:
				s.process(job)
			default:
				return
			}
		}
	}
}

func (s *Service) process(job *types.PublishJob) {
	logger := s.logger.With().Str("job_id", job.ID).Str("domain", job.Domain).Logger()
	s.setStatus(job.ID, job.Domain, StateSwapping, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	newCid, err := s.swap(ctx, job, logger)
	if err != nil {
		metrics.PublishJobs.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("publish failed")
		s.setStatus(job.ID, job.Domain, StateFailed, "", err.Error())
		s.cleanupStaging(job.StagingRoot)
		return
	}

	metrics.PublishJobs.WithLabelValues("ok").Inc()
	s.setStatus(job.ID, job.Domain, StatePublished, newCid, "")
	logger.Info().Str("cid", newCid).Msg("site published")
}

// swap moves the staged site into production atomically: the old folder
// steps aside, staging takes its place, and the old folder is restored
// when anything in between fails.
func (s *Service) swap(ctx context.Context, job *types.PublishJob, logger zerolog.Logger) (string, error) {
	newCid, typ, err := s.node.FilesStat(ctx, job.StagingRoot)
	if err != nil {
		return "", fmt.Errorf("failed to stat staged site: %w", err)
	}
	if typ != "directory" {
		return "", fmt.Errorf("staged site is not a directory")
	}

	sitePath := "/production/sites/" + job.SiteLeaf
	if err := s.node.FilesMkdir(ctx, "/production/sites", true); err != nil {
		return "", fmt.Errorf("failed to prepare production tree: %w", err)
	}

	oldCid := ""
	oldPath := ""
	if cid, _, err := s.node.FilesStat(ctx, sitePath); err == nil {
		oldCid = cid
		oldPath = sitePath + ".old-" + fmt.Sprintf("%d", time.Now().UnixNano())
		if err := s.node.FilesMv(ctx, sitePath, oldPath); err != nil {
			return "", fmt.Errorf("failed to move previous site aside: %w", err)
		}
	} else if !node.IsNotFound(err) {
		return "", fmt.Errorf("failed to stat production site: %w", err)
	}

	if err := s.node.FilesMv(ctx, job.StagingRoot, sitePath); err != nil {
		s.rollback(ctx, oldPath, sitePath, logger)
		return "", fmt.Errorf("failed to install new site: %w", err)
	}
	if err := s.node.PinAdd(ctx, newCid, true); err != nil {
		// Put staging back and restore the previous site.
		if mvErr := s.node.FilesMv(ctx, sitePath, job.StagingRoot); mvErr != nil {
			logger.Error().Err(mvErr).Msg("failed to return new site to staging during rollback")
		}
		s.rollback(ctx, oldPath, sitePath, logger)
		return "", fmt.Errorf("failed to pin new site: %w", err)
	}

	if oldPath != "" {
		if err := s.node.FilesRm(ctx, oldPath, true); err != nil {
			logger.Warn().Err(err).Str("path", oldPath).Msg("failed to remove previous site folder")
		}
	}

	s.writeTgp(ctx, job, newCid, oldCid, logger)
	s.publishIpns(ctx, job, newCid, logger)

	if err := s.cfg.SetLastPublishedCid(job.Domain, newCid); err != nil {
		logger.Warn().Err(err).Msg("failed to record published cid")
	}

	s.cache.InvalidateMfs(sitePath)
	if oldCid != "" {
		s.cache.InvalidateCid(oldCid)
	}
	s.cache.InvalidateCid(newCid)
	return newCid, nil
}

func (s *Service) rollback(ctx context.Context, oldPath, sitePath string, logger zerolog.Logger) {
	if oldPath == "" {
		return
	}
	if err := s.node.FilesMv(ctx, oldPath, sitePath); err != nil {
		logger.Error().Err(err).Str("path", oldPath).Msg("rollback failed, previous site left aside")
	}
}

// writeTgp records the pointer file for the new publish. Failure is
// logged but does not fail the publish; the pointer is advisory.
func (s *Service) writeTgp(ctx context.Context, job *types.PublishJob, newCid, oldCid string, logger zerolog.Logger) {
	ptr := types.TgpPointer{
		Current: "/ipfs/" + newCid,
		TS:      time.Now().UTC().Format(time.RFC3339),
	}
	if oldCid != "" {
		prev := "/ipfs/" + oldCid
		ptr.Previous = &prev
	}
	data, err := json.Marshal(ptr)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to encode pointer file")
		return
	}
	tgpPath := "/production/pinned/" + job.TgpLeaf + "/tgp.json"
	if err := s.node.FilesWrite(ctx, tgpPath, strings.NewReader(string(data)), "application/json"); err != nil {
		logger.Warn().Err(err).Str("path", tgpPath).Msg("failed to write pointer file")
	}
}

// publishIpns makes sure the domain has an IPNS key and hands the new
// CID to the updater pool.
func (s *Service) publishIpns(ctx context.Context, job *types.PublishJob, newCid string, logger zerolog.Logger) {
	d := s.cfg.Current().FindDomain(job.Domain)
	if d == nil {
		logger.Warn().Msg("domain removed mid-publish, skipping name update")
		return
	}
	keyName := d.IpnsKeyName
	if keyName == "" {
		keyName = d.SiteFolderLeaf
	}

	key, err := s.ensureKey(ctx, keyName)
	if err != nil {
		logger.Error().Err(err).Str("key", keyName).Msg("failed to ensure name key")
		return
	}
	if d.IpnsKeyName != key.Name || d.IpnsPeerID != key.ID {
		updated := *d
		updated.IpnsKeyName = key.Name
		updated.IpnsPeerID = key.ID
		if err := s.cfg.UpsertDomain(updated); err != nil {
			logger.Warn().Err(err).Msg("failed to record name key on domain")
		}
	}
	s.updater.Submit(key.Name, newCid)
}

func (s *Service) ensureKey(ctx context.Context, name string) (node.Key, error) {
	keys, err := s.node.KeyList(ctx)
	if err != nil {
		return node.Key{}, err
	}
	for _, k := range keys {
		if k.Name == name {
			return k, nil
		}
	}
	return s.node.KeyGen(ctx, name)
}
