package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	"vm-script-service/internal/models"
	"vm-script-service/internal/script-manager/cache"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/pkg/interpolate"
	"vm-script-service/pkg/scriptdoc"
)

const maxContentKeyAttempts = 100

var (
	contentKeyInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)
	contentKeyRepeats = regexp.MustCompile(`-{2,}`)
)

// SanitizeFileName derives an on-disk content key from a script name.
func SanitizeFileName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = contentKeyInvalid.ReplaceAllString(key, "-")
	key = contentKeyRepeats.ReplaceAllString(key, "-")
	return strings.Trim(key, "-")
}

// CreateScriptRequest carries a new user-authored script.
type CreateScriptRequest struct {
	Name        string
	Content     string
	Format      string
	Description string
	Category    string
	Tags        []string
	UserID      string
	Metadata    map[string]interface{}
}

// UpdateScriptRequest carries a partial update; nil fields are unchanged.
type UpdateScriptRequest struct {
	Name        *string
	Content     *string
	Format      *string
	Description *string
	Category    *string
	Tags        []string
	UserID      string
	Metadata    map[string]interface{}
}

// ScriptFilter narrows ListScripts. Empty fields match everything.
type ScriptFilter struct {
	Category string
	OS       string
	Tags     []string
	Search   string
}

// ScriptDetail is a definition enriched with its parsed content.
type ScriptDetail struct {
	smDB.ScriptDefinition
	Content          string                      `json:"content"`
	Inputs           []scriptdoc.InputDefinition `json:"inputs"`
	HasInputs        bool                        `json:"hasInputs"`
	InputCount       int                         `json:"inputCount"`
	IsSystemTemplate bool                        `json:"isSystemTemplate"`
	Parsed           *scriptdoc.ParsedScript     `json:"-"`
}

// DefinitionService owns script definitions and their backing files.
type DefinitionService struct {
	DB           *gorm.DB
	Cache        *cache.ContentCache
	Audit        *AuditLogger
	LibraryDir   string
	TemplatesDir string

	parse func(content []byte, format scriptdoc.Format) (*scriptdoc.Document, error)
}

func NewDefinitionService(gormDB *gorm.DB, contentCache *cache.ContentCache, audit *AuditLogger, libraryDir, templatesDir string) *DefinitionService {
	return &DefinitionService{
		DB:           gormDB,
		Cache:        contentCache,
		Audit:        audit,
		LibraryDir:   libraryDir,
		TemplatesDir: templatesDir,
		parse:        scriptdoc.ParseAndValidate,
	}
}

// validateDocument runs every content check that must pass before any file or
// row is touched.
func (s *DefinitionService) validateDocument(content []byte, format scriptdoc.Format, expectedName string) (*scriptdoc.Document, error) {
	doc, err := s.parse(content, format)
	if err != nil {
		return nil, &ValidationError{Message: "invalid script document", Err: err}
	}
	if doc.Name != expectedName {
		return nil, &ValidationError{Message: fmt.Sprintf("document name %q does not match script name %q", doc.Name, expectedName)}
	}
	if err := interpolate.ValidateVariables(doc.Script, doc.Inputs); err != nil {
		return nil, &ValidationError{Message: "invalid script body", Err: err}
	}
	return doc, nil
}

func (s *DefinitionService) CreateScript(ctx context.Context, req CreateScriptRequest) (*smDB.ScriptDefinition, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Message: "script name is required"}
	}
	if req.UserID == "" {
		return nil, &ValidationError{Message: "creating user is required"}
	}
	format, err := scriptdoc.ParseFormat(req.Format)
	if err != nil {
		return nil, &ValidationError{Message: "invalid format", Err: err}
	}
	doc, err := s.validateDocument([]byte(req.Content), format, req.Name)
	if err != nil {
		return nil, err
	}

	base := SanitizeFileName(req.Name)
	if base == "" {
		return nil, &ValidationError{Message: fmt.Sprintf("script name %q yields an empty file name", req.Name)}
	}
	key, err := s.uniqueContentKey(ctx, base, 0)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.LibraryDir, 0o755); err != nil {
		return nil, &IOError{Op: "create", Path: s.LibraryDir, Err: err}
	}
	path := s.libraryPath(key, format)
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}

	userID := req.UserID
	def := &smDB.ScriptDefinition{
		Name:        req.Name,
		Description: firstNonEmpty(req.Description, doc.Description),
		Category:    firstNonEmpty(req.Category, doc.Category),
		Tags:        firstNonEmptySlice(req.Tags, doc.Tags),
		OS:          doc.OSTags(),
		Shell:       doc.ShellKind(),
		ContentKey:  key,
		Format:      string(format),
		CreatedByID: &userID,
	}
	if err := s.DB.WithContext(ctx).Create(def).Error; err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			hlog.CtxErrorf(ctx, "DefinitionService: failed to remove %s after create failure: %v", path, rmErr)
		}
		return nil, fmt.Errorf("failed to persist script definition: %w", err)
	}
	s.Cache.Set(def.ID, scriptdoc.NewParsedScript(req.Content, doc))

	id := def.ID
	s.Audit.Record(ctx, &smDB.ScriptAuditLog{
		ScriptID: &id,
		UserID:   &userID,
		Action:   models.AuditCreated,
		Details:  map[string]interface{}{"name": def.Name, "contentKey": key, "os": def.OS, "shell": def.Shell},
		Metadata: req.Metadata,
	})
	hlog.CtxInfof(ctx, "DefinitionService: created script %d (%s) at %s", def.ID, def.Name, path)
	return def, nil
}

func (s *DefinitionService) UpdateScript(ctx context.Context, id uint, req UpdateScriptRequest) (*smDB.ScriptDefinition, error) {
	def, err := s.loadDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.IsSystemTemplate() {
		return nil, &ValidationError{Message: fmt.Sprintf("script %d is a system template and cannot be modified", id)}
	}
	format := scriptdoc.Format(def.Format)
	if req.Format != nil {
		requested, err := scriptdoc.ParseFormat(*req.Format)
		if err != nil {
			return nil, &ValidationError{Message: "invalid format", Err: err}
		}
		if requested != format {
			return nil, &ValidationError{Message: fmt.Sprintf("document format cannot change from %s to %s", format, requested)}
		}
	}

	newName := def.Name
	if req.Name != nil {
		newName = strings.TrimSpace(*req.Name)
		if newName == "" {
			return nil, &ValidationError{Message: "script name is required"}
		}
	}
	var newDoc *scriptdoc.Document
	if req.Content != nil {
		if newDoc, err = s.validateDocument([]byte(*req.Content), format, newName); err != nil {
			return nil, err
		}
	}

	oldKey := def.ContentKey
	oldPath := s.libraryPath(oldKey, format)
	original, err := os.ReadFile(oldPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Resource: "script content", ID: oldKey}
		}
		return nil, &IOError{Op: "read", Path: oldPath, Err: err}
	}

	newKey := oldKey
	if newName != def.Name {
		base := SanitizeFileName(newName)
		if base == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("script name %q yields an empty file name", newName)}
		}
		if base != oldKey {
			if newKey, err = s.uniqueContentKey(ctx, base, def.ID); err != nil {
				return nil, err
			}
		}
	}
	newPath := s.libraryPath(newKey, format)

	renamed := false
	if newKey != oldKey {
		if err := os.Rename(oldPath, newPath); err != nil {
			return nil, &IOError{Op: "rename", Path: oldPath, Err: err}
		}
		renamed = true
	}

	// Every failure from here on restores the original bytes under the
	// original key before returning.
	wrote := false
	rollback := func(cause error) error {
		if wrote {
			if err := os.WriteFile(newPath, original, 0o644); err != nil {
				hlog.CtxErrorf(ctx, "DefinitionService: rollback failed to restore content of %s: %v", newPath, err)
			}
		}
		if renamed {
			if err := os.Rename(newPath, oldPath); err != nil {
				hlog.CtxErrorf(ctx, "DefinitionService: rollback failed to rename %s back to %s: %v", newPath, oldPath, err)
			}
		}
		hlog.CtxWarnf(ctx, "DefinitionService: update of script %d rolled back: %v", id, cause)
		return cause
	}

	content := original
	if req.Content != nil {
		content = []byte(*req.Content)
	}
	doc, err := s.parse(content, format)
	if err != nil {
		return nil, rollback(&ValidationError{Message: "invalid script document", Err: err})
	}
	if newDoc != nil {
		doc = newDoc
	}

	if req.Content != nil {
		wrote = true
		if err := os.WriteFile(newPath, content, 0o644); err != nil {
			return nil, rollback(&IOError{Op: "write", Path: newPath, Err: err})
		}
	}

	before := *def
	def.Name = newName
	def.ContentKey = newKey
	if req.Description != nil {
		def.Description = *req.Description
	}
	if req.Category != nil {
		def.Category = *req.Category
	}
	if req.Tags != nil {
		def.Tags = req.Tags
	}
	def.OS = doc.OSTags()
	def.Shell = doc.ShellKind()

	err = s.DB.WithContext(ctx).Model(def).
		Select("name", "content_key", "description", "category", "tags", "os", "shell", "updated_at").
		Updates(def).Error
	if err != nil {
		*def = before
		return nil, rollback(fmt.Errorf("failed to persist script definition: %w", err))
	}

	s.Cache.Invalidate(def.ID)

	changes := diffDefinitions(&before, def)
	if req.Content != nil && string(original) != *req.Content {
		changes["content"] = map[string]interface{}{"changed": true}
	}
	scriptID := def.ID
	userID := req.UserID
	s.Audit.Record(ctx, &smDB.ScriptAuditLog{
		ScriptID: &scriptID,
		UserID:   optionalString(userID),
		Action:   models.AuditEdited,
		Details:  map[string]interface{}{"changes": changes},
		Metadata: req.Metadata,
	})
	hlog.CtxInfof(ctx, "DefinitionService: updated script %d (%d fields changed)", def.ID, len(changes))
	return def, nil
}

func (s *DefinitionService) DeleteScript(ctx context.Context, id uint, userID string, metadata map[string]interface{}) error {
	def, err := s.loadDefinition(ctx, id)
	if err != nil {
		return err
	}
	if def.IsSystemTemplate() {
		return &ValidationError{Message: fmt.Sprintf("script %d is a system template and cannot be deleted", id)}
	}

	s.Audit.Record(ctx, &smDB.ScriptAuditLog{
		UserID: optionalString(userID),
		Action: models.AuditDeleted,
		Details: map[string]interface{}{
			"scriptId":   def.ID,
			"name":       def.Name,
			"contentKey": def.ContentKey,
			"category":   def.Category,
		},
		Metadata: metadata,
	})
	if err := s.Audit.Flush(ctx); err != nil {
		hlog.CtxWarnf(ctx, "DefinitionService: audit flush before delete of script %d: %v", id, err)
	}

	s.Cache.Invalidate(def.ID)

	path := s.libraryPath(def.ContentKey, scriptdoc.Format(def.Format))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("script_id = ?", def.ID).Delete(&smDB.ScriptExecution{}).Error; err != nil {
			return err
		}
		if err := tx.Where("script_id = ?", def.ID).Delete(&smDB.ScriptAuditLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&smDB.ScriptDefinition{}, def.ID).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete script definition %d: %w", id, err)
	}
	hlog.CtxInfof(ctx, "DefinitionService: deleted script %d (%s)", def.ID, def.Name)
	return nil
}

func (s *DefinitionService) GetScript(ctx context.Context, id uint) (*ScriptDetail, error) {
	def, err := s.loadDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	parsed, err := s.LoadParsed(ctx, def)
	if err != nil {
		return nil, err
	}
	return &ScriptDetail{
		ScriptDefinition: *def,
		Content:          parsed.Raw,
		Inputs:           parsed.Inputs,
		HasInputs:        parsed.HasInputs,
		InputCount:       parsed.InputCount,
		IsSystemTemplate: def.IsSystemTemplate(),
		Parsed:           parsed,
	}, nil
}

// LoadParsed returns the parsed content of def, from the cache when possible.
func (s *DefinitionService) LoadParsed(ctx context.Context, def *smDB.ScriptDefinition) (*scriptdoc.ParsedScript, error) {
	if parsed, ok := s.Cache.Get(def.ID); ok {
		return parsed, nil
	}
	format := scriptdoc.Format(def.Format)
	content, err := s.readContent(def.ContentKey, format)
	if err != nil {
		return nil, err
	}
	doc, err := s.parse(content, format)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("stored content of script %d is invalid", def.ID), Err: err}
	}
	parsed := scriptdoc.NewParsedScript(string(content), doc)
	s.Cache.Set(def.ID, parsed)
	return parsed, nil
}

// LoadScript returns a definition and its parsed content.
func (s *DefinitionService) LoadScript(ctx context.Context, id uint) (*smDB.ScriptDefinition, *scriptdoc.ParsedScript, error) {
	def, err := s.loadDefinition(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := s.LoadParsed(ctx, def)
	if err != nil {
		return nil, nil, err
	}
	return def, parsed, nil
}

func (s *DefinitionService) ListScripts(ctx context.Context, filter ScriptFilter) ([]smDB.ScriptDefinition, error) {
	query := s.DB.WithContext(ctx).Order("name")
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	var defs []smDB.ScriptDefinition
	if err := query.Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}

	osFilter := strings.ToLower(strings.TrimSpace(filter.OS))
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]smDB.ScriptDefinition, 0, len(defs))
	for _, def := range defs {
		if osFilter != "" && !containsFold(def.OS, osFilter) {
			continue
		}
		if len(filter.Tags) > 0 && !overlapsFold(def.Tags, filter.Tags) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(def.Name), search) &&
			!strings.Contains(strings.ToLower(def.Description), search) {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// ScriptIDForContentKey resolves the definition backed by a content key.
func (s *DefinitionService) ScriptIDForContentKey(ctx context.Context, key string) (uint, bool) {
	var def smDB.ScriptDefinition
	err := s.DB.WithContext(ctx).Select("id").Where("content_key = ?", key).First(&def).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			hlog.CtxErrorf(ctx, "DefinitionService: lookup of content key %s failed: %v", key, err)
		}
		return 0, false
	}
	return def.ID, true
}

// ImportTemplates registers every document in the templates directory that
// has no definition yet as an immutable system template.
func (s *DefinitionService) ImportTemplates(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.TemplatesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, &IOError{Op: "list", Path: s.TemplatesDir, Err: err}
	}
	imported := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		format, err := scriptdoc.ParseFormat(strings.TrimPrefix(ext, "."))
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ext)
		if _, exists := s.ScriptIDForContentKey(ctx, key); exists {
			continue
		}
		path := filepath.Join(s.TemplatesDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			hlog.CtxWarnf(ctx, "DefinitionService: skipping template %s: %v", path, err)
			continue
		}
		doc, err := s.parse(content, format)
		if err != nil {
			hlog.CtxWarnf(ctx, "DefinitionService: skipping invalid template %s: %v", path, err)
			continue
		}
		def := &smDB.ScriptDefinition{
			Name:        doc.Name,
			Description: doc.Description,
			Category:    doc.Category,
			Tags:        doc.Tags,
			OS:          doc.OSTags(),
			Shell:       doc.ShellKind(),
			ContentKey:  key,
			Format:      string(format),
		}
		if err := s.DB.WithContext(ctx).Create(def).Error; err != nil {
			return imported, fmt.Errorf("failed to register template %s: %w", path, err)
		}
		imported++
	}
	if imported > 0 {
		hlog.CtxInfof(ctx, "DefinitionService: imported %d system templates from %s", imported, s.TemplatesDir)
	}
	return imported, nil
}

func (s *DefinitionService) loadDefinition(ctx context.Context, id uint) (*smDB.ScriptDefinition, error) {
	var def smDB.ScriptDefinition
	if err := s.DB.WithContext(ctx).First(&def, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "script", ID: strconv.FormatUint(uint64(id), 10)}
		}
		return nil, fmt.Errorf("failed to load script %d: %w", id, err)
	}
	return &def, nil
}

// readContent reads from the library first, then the read-only templates.
func (s *DefinitionService) readContent(key string, format scriptdoc.Format) ([]byte, error) {
	for _, path := range []string{s.libraryPath(key, format), s.templatePath(key, format)} {
		content, err := os.ReadFile(path)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, &IOError{Op: "read", Path: path, Err: err}
		}
	}
	return nil, &NotFoundError{Resource: "script content", ID: key}
}

// uniqueContentKey appends -1..-100 to base until neither a definition nor a
// library file uses the key. excludeID lets a definition keep its own key.
func (s *DefinitionService) uniqueContentKey(ctx context.Context, base string, excludeID uint) (string, error) {
	for attempt := 0; attempt <= maxContentKeyAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d", base, attempt)
		}
		taken, err := s.contentKeyTaken(ctx, candidate, excludeID)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", &ValidationError{Message: fmt.Sprintf("could not find a free file name for %q after %d attempts", base, maxContentKeyAttempts)}
}

func (s *DefinitionService) contentKeyTaken(ctx context.Context, key string, excludeID uint) (bool, error) {
	var count int64
	query := s.DB.WithContext(ctx).Model(&smDB.ScriptDefinition{}).Where("content_key = ?", key)
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check content key %s: %w", key, err)
	}
	if count > 0 {
		return true, nil
	}
	for _, format := range []scriptdoc.Format{scriptdoc.FormatYAML, scriptdoc.FormatJSON} {
		if _, err := os.Stat(s.libraryPath(key, format)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *DefinitionService) libraryPath(key string, format scriptdoc.Format) string {
	return filepath.Join(s.LibraryDir, key+format.Extension())
}

func (s *DefinitionService) templatePath(key string, format scriptdoc.Format) string {
	return filepath.Join(s.TemplatesDir, key+format.Extension())
}

func diffDefinitions(before, after *smDB.ScriptDefinition) map[string]interface{} {
	changes := make(map[string]interface{})
	record := func(field string, old, new interface{}) {
		if !reflect.DeepEqual(old, new) {
			changes[field] = map[string]interface{}{"before": old, "after": new}
		}
	}
	record("name", before.Name, after.Name)
	record("contentKey", before.ContentKey, after.ContentKey)
	record("description", before.Description, after.Description)
	record("category", before.Category, after.Category)
	record("tags", before.Tags, after.Tags)
	record("os", before.OS, after.OS)
	record("shell", before.Shell, after.Shell)
	return changes
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptySlice(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return []string{}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func overlapsFold(a, b []string) bool {
	for _, v := range b {
		if containsFold(a, v) {
			return true
		}
	}
	return false
}
