package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/permission"
)

const defaultMaxReadBytes = 10 << 20

// maxReadBytes caps caller-supplied maxBytes.
const maxReadBytes = 256 << 20

const pathSchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {"path": {"type": "string", "minLength": 1}}
}`

func newFileNamespace(gate permission.Gate) (*namespace, error) {
	return newNamespace("file", gate, map[string]command{
		"file.exists": {schema: pathSchema, run: fileExists},
		"file.stat":   {schema: pathSchema, run: fileStat},
		"file.read": {schema: `{
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"encoding": {"enum": ["utf8", "base64"]},
				"maxBytes": {"type": "integer", "minimum": 1}
			}
		}`, run: fileRead},
		"file.write": {schema: `{
			"type": "object",
			"required": ["path", "content"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"},
				"encoding": {"enum": ["utf8", "base64"]},
				"append": {"type": "boolean"},
				"createDirs": {"type": "boolean"}
			}
		}`, run: fileWrite},
		"file.list": {schema: `{
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"showHidden": {"type": "boolean"}
			}
		}`, run: fileList},
		"file.delete": {schema: `{
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"recursive": {"type": "boolean"}
			}
		}`, run: fileDelete},
		"file.mkdir": {schema: pathSchema, run: fileMkdir},
	})
}

// expandPath resolves a leading ~ to the home directory and cleans the result.
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Clean(p), nil
}

func pathParam(p dispatcher.Params) (string, error) {
	raw, cerr := p.RequireString("path")
	if cerr != nil {
		return "", cerr
	}
	return expandPath(raw)
}

func fileExists(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]interface{}{"exists": false, "isDirectory": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"exists": true, "isDirectory": info.IsDir()}, nil
}

func describe(path string, info os.FileInfo) map[string]interface{} {
	return map[string]interface{}{
		"name":        info.Name(),
		"path":        path,
		"size":        info.Size(),
		"isDirectory": info.IsDir(),
		"isSymlink":   info.Mode()&os.ModeSymlink != 0,
		"mode":        fmt.Sprintf("%04o", info.Mode().Perm()),
		"modifiedAt":  info.ModTime().UTC().Format(time.RFC3339),
	}
}

func fileStat(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return describe(path, info), nil
}

func fileRead(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	encoding := p.StringOr("encoding", "utf8")
	maxBytes := p.IntOr("maxBytes", defaultMaxReadBytes)
	if maxBytes > maxReadBytes {
		maxBytes = maxReadBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, dispatcher.InvalidParams("parameter path is a directory: %s", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	truncated := int64(len(data)) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}

	var content string
	switch encoding {
	case "base64":
		content = base64.StdEncoding.EncodeToString(data)
	default:
		if !utf8.Valid(data) && !truncated {
			return nil, dispatcher.InvalidParams("file is not valid UTF-8; use encoding base64")
		}
		content = strings.ToValidUTF8(string(data), "�")
	}

	return map[string]interface{}{
		"path":      path,
		"content":   content,
		"encoding":  encoding,
		"size":      info.Size(),
		"truncated": truncated,
	}, nil
}

func fileWrite(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	content, _ := p.String("content")

	data := []byte(content)
	if p.StringOr("encoding", "utf8") == "base64" {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, dispatcher.InvalidParams("parameter content is not valid base64: %v", err)
		}
	}

	if p.BoolOr("createDirs", false) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if p.BoolOr("append", false) {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	n, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, werr
	}
	return map[string]interface{}{"path": path, "bytesWritten": n}, nil
}

func fileList(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	showHidden := p.BoolOr("showHidden", false)

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, dispatcher.InvalidParams("parameter path is not a directory: %s", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		if !showHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, describe(filepath.Join(path, e.Name()), info))
	}
	sort.Slice(items, func(i, j int) bool { return items[i]["name"].(string) < items[j]["name"].(string) })
	return map[string]interface{}{"path": path, "entries": items, "count": len(items)}, nil
}

func fileDelete(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	if path == "/" || path == filepath.VolumeName(path)+string(filepath.Separator) {
		return nil, dispatcher.InvalidParams("parameter path refuses to delete the filesystem root")
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() && p.BoolOr("recursive", false) {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		if info.IsDir() && !errors.Is(err, os.ErrPermission) {
			return nil, dispatcher.InvalidParams("directory %s is not empty; set recursive to delete it", path)
		}
		return nil, err
	}
	return map[string]interface{}{"path": path, "deleted": true}, nil
}

func fileMkdir(_ context.Context, p dispatcher.Params) (interface{}, error) {
	path, err := pathParam(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "created": true}, nil
}
