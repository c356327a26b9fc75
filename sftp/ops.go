package sftp

import (
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"time"

	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/wire"
)

// WriteMode selects the SSH_FXF_* combination Open uses, mirroring the
// original's writeMode{READ,OVERWRITE,APPEND} enum (spec.md §4.8's
// supplemented operation list).
type WriteMode int

const (
	ModeRead WriteMode = iota
	ModeOverwrite
	ModeAppend
)

func (m WriteMode) flags() uint32 {
	switch m {
	case ModeOverwrite:
		return OpenWrite | OpenCreat | OpenTrunc
	case ModeAppend:
		return OpenWrite | OpenCreat | OpenAppend
	default:
		return OpenRead
	}
}

// Handle is an opaque SFTP file or directory handle.
type Handle struct {
	raw []byte
}

// Open sends SSH_FXP_OPEN and returns the resulting handle.
func (c *Client) Open(path string, mode WriteMode, timeout time.Duration) (*Handle, error) {
	b := wire.NewBuilder(len(path) + 16)
	b.PutStringS(path)
	b.PutUint32(mode.flags())
	var attrs FileAttrs
	attrs.encode(b)

	respType, _, payload, err := c.request(fxpOpen, b.Bytes(), timeout)
	if err != nil {
		return nil, err
	}
	if respType != fxpHandle {
		return nil, statusError(payload)
	}
	r := wire.NewReader(payload)
	h, err := r.String()
	if err != nil {
		return nil, err
	}
	return &Handle{raw: h}, nil
}

// Close sends SSH_FXP_CLOSE.
func (c *Client) Close(h *Handle, timeout time.Duration) error {
	b := wire.NewBuilder(len(h.raw) + 4)
	b.PutString(h.raw)
	respType, _, payload, err := c.request(fxpClose, b.Bytes(), timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to CLOSE", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

// Read sends SSH_FXP_READ at offset for up to length bytes, returning the
// data the server sent, or io.EOF when the server reports STATUS(EOF),
// per spec.md §4.8.
func (c *Client) Read(h *Handle, offset uint64, length uint32, timeout time.Duration) ([]byte, error) {
	b := wire.NewBuilder(len(h.raw) + 16)
	b.PutString(h.raw)
	b.PutUint64(offset)
	b.PutUint32(length)

	respType, _, payload, err := c.request(fxpRead, b.Bytes(), timeout)
	if err != nil {
		return nil, err
	}
	if isEOFStatus(respType, payload) {
		return nil, io.EOF
	}
	if respType != fxpData {
		return nil, statusError(payload)
	}
	r := wire.NewReader(payload)
	return r.String()
}

// Write sends SSH_FXP_WRITE of data at offset.
func (c *Client) Write(h *Handle, offset uint64, data []byte, timeout time.Duration) error {
	b := wire.NewBuilder(len(h.raw) + len(data) + 16)
	b.PutString(h.raw)
	b.PutUint64(offset)
	b.PutString(data)

	respType, _, payload, err := c.request(fxpWrite, b.Bytes(), timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to WRITE", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

func (c *Client) statLike(reqType uint8, body []byte, timeout time.Duration) (FileAttrs, error) {
	respType, _, payload, err := c.request(reqType, body, timeout)
	if err != nil {
		return FileAttrs{}, err
	}
	if respType != fxpAttrs {
		return FileAttrs{}, statusError(payload)
	}
	r := wire.NewReader(payload)
	return decodeAttrs(r)
}

// Stat sends SSH_FXP_STAT (follows symlinks).
func (c *Client) Stat(path string, timeout time.Duration) (FileAttrs, error) {
	return c.statLike(fxpStat, wire.NewBuilder(len(path)+4).PutStringS(path).Bytes(), timeout)
}

// LStat sends SSH_FXP_LSTAT (does not follow symlinks) — the basis for
// the original's isFile/isDir predicates, per spec.md §4.8's
// supplemented operations.
func (c *Client) LStat(path string, timeout time.Duration) (FileAttrs, error) {
	return c.statLike(fxpLstat, wire.NewBuilder(len(path)+4).PutStringS(path).Bytes(), timeout)
}

// FStat sends SSH_FXP_FSTAT on an open handle.
func (c *Client) FStat(h *Handle, timeout time.Duration) (FileAttrs, error) {
	return c.statLike(fxpFstat, wire.NewBuilder(len(h.raw)+4).PutString(h.raw).Bytes(), timeout)
}

func (c *Client) setstatLike(reqType uint8, body []byte, timeout time.Duration) error {
	respType, _, payload, err := c.request(reqType, body, timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to SETSTAT", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

// SetStat sends SSH_FXP_SETSTAT.
func (c *Client) SetStat(path string, attrs FileAttrs, timeout time.Duration) error {
	b := wire.NewBuilder(len(path) + 32)
	b.PutStringS(path)
	attrs.encode(b)
	return c.setstatLike(fxpSetstat, b.Bytes(), timeout)
}

// FSetStat sends SSH_FXP_FSETSTAT on an open handle.
func (c *Client) FSetStat(h *Handle, attrs FileAttrs, timeout time.Duration) error {
	b := wire.NewBuilder(len(h.raw) + 32)
	b.PutString(h.raw)
	attrs.encode(b)
	return c.setstatLike(fxpFsetstat, b.Bytes(), timeout)
}

// Chown sends SETSTAT with only the UIDGID flag, per the original's
// dedicated chown operation (spec.md §4.8's supplemented list).
func (c *Client) Chown(path string, uid, gid uint32, timeout time.Duration) error {
	return c.SetStat(path, FileAttrs{Flags: AttrUIDGID, UID: uid, GID: gid}, timeout)
}

var chmodNumeric = regexp.MustCompile(`^[0-7]{3,4}$`)
var chmodSymbolic = regexp.MustCompile(`^[ugoa]*[-+=][rwx]+$`)

// Chmod applies mode, which is either a 3-4 digit octal string (applied
// verbatim) or a symbolic expression "[ugoa]*[-+=][rwx]+" applied against
// the file's current permission bits retrieved via LStat, per spec.md §4.8.
func (c *Client) Chmod(path, mode string, timeout time.Duration) error {
	var perm uint32
	switch {
	case chmodNumeric.MatchString(mode):
		v, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return fmt.Errorf("sftp: invalid chmod mode %q: %w", mode, err)
		}
		perm = uint32(v)
	case chmodSymbolic.MatchString(mode):
		current, err := c.LStat(path, timeout)
		if err != nil {
			return err
		}
		perm, err = applySymbolicMode(current.Permissions, mode)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("sftp: unrecognized chmod mode %q", mode)
	}
	return c.SetStat(path, FileAttrs{Flags: AttrPermissions, Permissions: perm}, timeout)
}

func applySymbolicMode(current uint32, expr string) (uint32, error) {
	idx := -1
	var op byte
	for i, r := range expr {
		if r == '-' || r == '+' || r == '=' {
			idx = i
			op = byte(r)
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("sftp: malformed symbolic mode %q", expr)
	}
	who := expr[:idx]
	bits := expr[idx+1:]
	if who == "" {
		who = "a"
	}

	var mask uint32
	for _, w := range who {
		switch w {
		case 'u':
			mask |= 0700
		case 'g':
			mask |= 0070
		case 'o':
			mask |= 0007
		case 'a':
			mask |= 0777
		}
	}

	var rwx uint32
	for _, b := range bits {
		switch b {
		case 'r':
			rwx |= 0444
		case 'w':
			rwx |= 0222
		case 'x':
			rwx |= 0111
		}
	}
	rwx &= mask

	switch op {
	case '+':
		return current | rwx, nil
	case '-':
		return current &^ rwx, nil
	case '=':
		return (current &^ mask) | rwx, nil
	default:
		return current, nil
	}
}

// OpenDir sends SSH_FXP_OPENDIR.
func (c *Client) OpenDir(path string, timeout time.Duration) (*Handle, error) {
	respType, _, payload, err := c.request(fxpOpendir, wire.NewBuilder(len(path)+4).PutStringS(path).Bytes(), timeout)
	if err != nil {
		return nil, err
	}
	if respType != fxpHandle {
		return nil, statusError(payload)
	}
	r := wire.NewReader(payload)
	h, err := r.String()
	if err != nil {
		return nil, err
	}
	return &Handle{raw: h}, nil
}

// ReadDir sends SSH_FXP_READDIR, returning one batch of entries. Callers
// loop until io.EOF.
func (c *Client) ReadDir(h *Handle, timeout time.Duration) ([]DirEntry, error) {
	respType, _, payload, err := c.request(fxpReaddir, wire.NewBuilder(len(h.raw)+4).PutString(h.raw).Bytes(), timeout)
	if err != nil {
		return nil, err
	}
	if isEOFStatus(respType, payload) {
		return nil, io.EOF
	}
	if respType != fxpName {
		return nil, statusError(payload)
	}
	r := wire.NewReader(payload)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.StringS()
		if err != nil {
			return nil, err
		}
		long, err := r.StringS()
		if err != nil {
			return nil, err
		}
		attrs, err := decodeAttrs(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: name, Long: long, Attrs: attrs})
	}
	return entries, nil
}

// List opens dirPath, drains every READDIR batch, and closes the handle,
// keeping the server-supplied ls-style Long field on each entry only when
// longNames is set (it is cleared otherwise), per the original's
// ls(remoteDir, longNames) (spec.md §4.8's supplemented list).
func (c *Client) List(dirPath string, longNames bool, timeout time.Duration) ([]DirEntry, error) {
	h, err := c.OpenDir(dirPath, timeout)
	if err != nil {
		return nil, err
	}
	defer c.Close(h, timeout)

	var all []DirEntry
	for {
		batch, err := c.ReadDir(h, timeout)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	if !longNames {
		for i := range all {
			all[i].Long = ""
		}
	}
	return all, nil
}

// Remove sends SSH_FXP_REMOVE.
func (c *Client) Remove(path string, timeout time.Duration) error {
	respType, _, payload, err := c.request(fxpRemove, wire.NewBuilder(len(path)+4).PutStringS(path).Bytes(), timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to REMOVE", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

// Rename sends SSH_FXP_RENAME.
func (c *Client) Rename(oldPath, newPath string, timeout time.Duration) error {
	b := wire.NewBuilder(len(oldPath) + len(newPath) + 8)
	b.PutStringS(oldPath)
	b.PutStringS(newPath)
	respType, _, payload, err := c.request(fxpRename, b.Bytes(), timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to RENAME", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

// Mkdir sends SSH_FXP_MKDIR.
func (c *Client) Mkdir(path string, timeout time.Duration) error {
	b := wire.NewBuilder(len(path) + 8)
	b.PutStringS(path)
	var attrs FileAttrs
	attrs.encode(b)
	respType, _, payload, err := c.request(fxpMkdir, b.Bytes(), timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to MKDIR", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

// Rmdir sends SSH_FXP_RMDIR.
func (c *Client) Rmdir(path string, timeout time.Duration) error {
	respType, _, payload, err := c.request(fxpRmdir, wire.NewBuilder(len(path)+4).PutStringS(path).Bytes(), timeout)
	if err != nil {
		return err
	}
	if respType != fxpStatus {
		return fmt.Errorf("%w: unexpected response to RMDIR", errs.ErrMalformedPacket)
	}
	return statusError(payload)
}

// Realpath sends SSH_FXP_REALPATH, returning the server's canonical form.
func (c *Client) Realpath(p string, timeout time.Duration) (string, error) {
	respType, _, payload, err := c.request(fxpRealpath, wire.NewBuilder(len(p)+4).PutStringS(p).Bytes(), timeout)
	if err != nil {
		return "", err
	}
	if respType != fxpName {
		return "", statusError(payload)
	}
	r := wire.NewReader(payload)
	count, err := r.Uint32()
	if err != nil || count == 0 {
		return "", fmt.Errorf("%w: REALPATH returned no names", errs.ErrMalformedPacket)
	}
	name, err := r.StringS()
	if err != nil {
		return "", err
	}
	return name, nil
}

// Cd resolves target via REALPATH and stores it as the client's working
// directory; subsequent relative paths passed to Resolve are joined
// against it, per spec.md §4.8.
func (c *Client) Cd(target string, timeout time.Duration) error {
	resolved, err := c.Realpath(target, timeout)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.wd = resolved
	c.mu.Unlock()
	return nil
}

// Resolve joins p against the client's current working directory if p is
// relative.
func (c *Client) Resolve(p string) string {
	if path.IsAbs(p) {
		return p
	}
	c.mu.Lock()
	wd := c.wd
	c.mu.Unlock()
	if wd == "" {
		return p
	}
	return path.Join(wd, p)
}

// Get copies the remote file at remotePath to localPath, reading in
// MaxMsgSize chunks and stopping on STATUS(EOF), per spec.md §4.8.
func (c *Client) Get(remotePath, localPath string, timeout time.Duration) error {
	h, err := c.Open(c.Resolve(remotePath), ModeRead, timeout)
	if err != nil {
		return err
	}
	defer c.Close(h, timeout)

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFile, err)
	}
	defer f.Close()

	var offset uint64
	for {
		data, err := c.Read(h, offset, MaxMsgSize, timeout)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIOFile, err)
		}
		offset += uint64(len(data))
	}
}

// Put copies localPath to the remote file at remotePath, writing in
// MaxMsgSize chunks, per spec.md §4.8.
func (c *Client) Put(localPath, remotePath string, timeout time.Duration) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFile, err)
	}
	defer f.Close()

	h, err := c.Open(c.Resolve(remotePath), ModeOverwrite, timeout)
	if err != nil {
		return err
	}
	defer c.Close(h, timeout)

	buf := make([]byte, MaxMsgSize)
	var offset uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := c.Write(h, offset, buf[:n], timeout); werr != nil {
				return werr
			}
			offset += uint64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIOFile, err)
		}
	}
}
