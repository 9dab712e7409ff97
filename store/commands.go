package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const (
	msgOOM          = "OOM command not allowed when used memory > 'maxmemory'."
	msgSyntax       = "ERR syntax error"
	msgNotInteger   = "ERR value is not an integer or out of range"
	msgInvalidExp   = "ERR invalid expire time in '%s' command"
	msgDBOutOfRange = "ERR DB index is out of range"
)

// replyError is sent to the client verbatim, prefix included.
type replyError string

func (e replyError) Error() string { return string(e) }

type cmdCtx struct {
	db        *DB
	args      [][]byte
	w         Reply
	replaying bool
	quit      bool
}

func (c *cmdCtx) arg(i int) string { return string(c.args[i]) }

type command struct {
	// arity follows COMMAND INFO: positive is exact, negative is a minimum.
	arity   int
	write   bool
	handler func(c *cmdCtx) error
}

var commandTable map[string]command

func init() {
	commandTable = map[string]command{
		"PING":         {-1, false, cmdPing},
		"ECHO":         {2, false, cmdEcho},
		"QUIT":         {-1, false, cmdQuit},
		"SELECT":       {2, false, cmdSelect},
		"CLIENT":       {-2, false, cmdClient},
		"COMMAND":      {-1, false, cmdCommand},
		"GET":          {2, false, cmdGet},
		"MGET":         {-2, false, cmdMGet},
		"SET":          {-3, true, cmdSet},
		"DEL":          {-2, true, cmdDel},
		"UNLINK":       {-2, true, cmdDel},
		"EXISTS":       {-2, false, cmdExists},
		"TYPE":         {2, false, cmdType},
		"EXPIRE":       {3, true, cmdExpire},
		"PEXPIRE":      {3, true, cmdExpire},
		"PEXPIREAT":    {3, true, cmdExpire},
		"PERSIST":      {2, true, cmdPersist},
		"TTL":          {2, false, cmdTTL},
		"PTTL":         {2, false, cmdTTL},
		"KEYS":         {2, false, cmdKeys},
		"SCAN":         {-2, false, cmdScan},
		"DBSIZE":       {1, false, cmdDBSize},
		"FLUSHDB":      {-1, true, cmdFlush},
		"FLUSHALL":     {-1, true, cmdFlush},
		"INFO":         {-1, false, cmdInfo},
		"CONFIG":       {-2, false, cmdConfig},
		"BGREWRITEAOF": {1, false, cmdRewrite},
	}
}

// Exec runs one client command and writes its reply. It reports whether
// the client asked to close the connection.
func (db *DB) Exec(args [][]byte, w Reply) (quit bool) {
	c := &cmdCtx{db: db, args: args, w: w}

	if err := db.dispatch(c); err != nil {
		w.WriteError(errorReply(err))
	}

	return c.quit
}

func (db *DB) dispatch(c *cmdCtx) error {
	if len(c.args) == 0 {
		return nil
	}

	name := upper(c.args[0])
	cmd, ok := commandTable[name]
	if !ok {
		return replyError(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
	}

	if (cmd.arity > 0 && len(c.args) != cmd.arity) || (cmd.arity < 0 && len(c.args) < -cmd.arity) {
		return replyError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
	}

	if c.replaying && !cmd.write && name != "SELECT" {
		return types.Errorf(types.ErrAOFCorrupted, "unexpected %s in log", name)
	}

	db.commands.Add(1)

	if cmd.write {
		db.mu.Lock()
		defer db.mu.Unlock()
	}

	return cmd.handler(c)
}

func errorReply(err error) string {
	var re replyError
	switch {
	case errors.As(err, &re):
		return string(re)
	case errors.Is(err, types.ErrCacheCapacityExceeded):
		return msgOOM
	case errors.Is(err, types.ErrStoreSyntax):
		return msgSyntax
	case errors.Is(err, types.ErrStoreNotInteger):
		return msgNotInteger
	default:
		return "ERR " + err.Error()
	}
}

func cmdPing(c *cmdCtx) error {
	switch len(c.args) {
	case 1:
		c.w.WriteString("PONG")
	case 2:
		c.w.WriteBulk(c.args[1])
	default:
		return replyError("ERR wrong number of arguments for 'ping' command")
	}
	return nil
}

func cmdEcho(c *cmdCtx) error {
	c.w.WriteBulk(c.args[1])
	return nil
}

func cmdQuit(c *cmdCtx) error {
	c.quit = true
	c.w.WriteString("OK")
	return nil
}

func cmdSelect(c *cmdCtx) error {
	if c.arg(1) != "0" {
		return replyError(msgDBOutOfRange)
	}
	c.w.WriteString("OK")
	return nil
}

// cmdClient accepts the connection bookkeeping client libraries send on
// connect.
func cmdClient(c *cmdCtx) error {
	switch upper(c.args[1]) {
	case "GETNAME":
		c.w.WriteNull()
	case "ID":
		c.w.WriteInt64(int64(os.Getpid()))
	default:
		c.w.WriteString("OK")
	}
	return nil
}

func cmdCommand(c *cmdCtx) error {
	c.w.WriteArray(0)
	return nil
}

func cmdGet(c *cmdCtx) error {
	value, ok := c.db.store.Get(c.arg(1))
	if !ok {
		c.w.WriteNull()
		return nil
	}
	c.w.WriteBulk(value)
	return nil
}

func cmdMGet(c *cmdCtx) error {
	c.w.WriteArray(len(c.args) - 1)
	for _, key := range c.args[1:] {
		if value, ok := c.db.store.Get(string(key)); ok {
			c.w.WriteBulk(value)
		} else {
			c.w.WriteNull()
		}
	}
	return nil
}

func cmdSet(c *cmdCtx) error {
	key := c.arg(1)
	value := c.args[2]

	opts, get, err := parseSetOptions(c.args[3:], time.Now())
	if err != nil {
		return err
	}

	var old []byte
	if get {
		old, _ = c.db.store.Get(key)
	}
	reply := func() {
		switch {
		case !get:
			c.w.WriteString("OK")
		case old == nil:
			c.w.WriteNull()
		default:
			c.w.WriteBulk(old)
		}
	}

	if !opts.ExpireAt.IsZero() && !opts.ExpireAt.After(time.Now()) {
		// Already expired: the write is a delete.
		removed := c.db.store.Del(key)
		if removed > 0 && !c.replaying {
			c.db.appendLog([]byte("DEL"), []byte(key))
		}
		reply()
		return nil
	}

	ok, err := c.db.store.Set(key, value, opts)
	if err != nil {
		return err
	}

	if !ok {
		if get {
			reply()
		} else {
			c.w.WriteNull()
		}
		return nil
	}

	if !c.replaying {
		expiresAt := c.db.store.ExpiresAt(key)
		if expiresAt.IsZero() {
			c.db.appendLog([]byte("SET"), []byte(key), value)
		} else {
			c.db.appendLog([]byte("SET"), []byte(key), value, []byte("PXAT"), formatMillis(expiresAt))
		}
	}

	reply()
	return nil
}

func parseSetOptions(args [][]byte, now time.Time) (opts SetOptions, get bool, err error) {
	expirySet := false

	for i := 0; i < len(args); i++ {
		flag := upper(args[i])
		switch flag {
		case "NX":
			opts.NX = true
		case "XX":
			opts.XX = true
		case "KEEPTTL":
			opts.KeepTTL = true
		case "GET":
			get = true
		case "EX", "PX", "EXAT", "PXAT":
			if expirySet || i+1 >= len(args) {
				return opts, false, types.ErrStoreSyntax
			}
			i++
			n, convErr := strconv.ParseInt(string(args[i]), 10, 64)
			if convErr != nil {
				return opts, false, types.ErrStoreNotInteger
			}
			if n <= 0 {
				return opts, false, replyError(fmt.Sprintf(msgInvalidExp, "set"))
			}
			expirySet = true
			switch flag {
			case "EX":
				opts.ExpireAt = now.Add(time.Duration(n) * time.Second)
			case "PX":
				opts.ExpireAt = now.Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				opts.ExpireAt = time.Unix(n, 0)
			case "PXAT":
				opts.ExpireAt = time.UnixMilli(n)
			}
		default:
			return opts, false, types.ErrStoreSyntax
		}
	}

	if (opts.NX && opts.XX) || (opts.KeepTTL && expirySet) {
		return opts, false, types.ErrStoreSyntax
	}

	return opts, get, nil
}

func cmdDel(c *cmdCtx) error {
	keys := make([]string, 0, len(c.args)-1)
	for _, key := range c.args[1:] {
		keys = append(keys, string(key))
	}

	removed := c.db.store.Del(keys...)
	if removed > 0 && !c.replaying {
		c.db.appendLog(append([][]byte{[]byte("DEL")}, c.args[1:]...)...)
	}

	c.w.WriteInt64(int64(removed))
	return nil
}

func cmdExists(c *cmdCtx) error {
	keys := make([]string, 0, len(c.args)-1)
	for _, key := range c.args[1:] {
		keys = append(keys, string(key))
	}
	c.w.WriteInt64(int64(c.db.store.Exists(keys...)))
	return nil
}

func cmdType(c *cmdCtx) error {
	if c.db.store.Exists(c.arg(1)) == 0 {
		c.w.WriteString("none")
		return nil
	}
	c.w.WriteString("string")
	return nil
}

func cmdExpire(c *cmdCtx) error {
	name := upper(c.args[0])

	n, err := strconv.ParseInt(c.arg(2), 10, 64)
	if err != nil {
		return types.ErrStoreNotInteger
	}

	now := time.Now()
	var at time.Time
	switch name {
	case "EXPIRE":
		at = now.Add(time.Duration(n) * time.Second)
	case "PEXPIRE":
		at = now.Add(time.Duration(n) * time.Millisecond)
	default:
		at = time.UnixMilli(n)
	}

	key := c.arg(1)
	if !c.db.store.Expire(key, at) {
		c.w.WriteInt64(0)
		return nil
	}

	if !c.replaying {
		if at.After(now) {
			c.db.appendLog([]byte("PEXPIREAT"), []byte(key), formatMillis(at))
		} else {
			c.db.appendLog([]byte("DEL"), []byte(key))
		}
	}

	c.w.WriteInt64(1)
	return nil
}

func cmdPersist(c *cmdCtx) error {
	key := c.arg(1)
	if !c.db.store.Persist(key) {
		c.w.WriteInt64(0)
		return nil
	}
	if !c.replaying {
		c.db.appendLog([]byte("PERSIST"), []byte(key))
	}
	c.w.WriteInt64(1)
	return nil
}

func cmdTTL(c *cmdCtx) error {
	ttl, exists := c.db.store.TTL(c.arg(1))
	switch {
	case !exists:
		c.w.WriteInt64(-2)
	case ttl < 0:
		c.w.WriteInt64(-1)
	case upper(c.args[0]) == "PTTL":
		c.w.WriteInt64(ttl.Milliseconds())
	default:
		c.w.WriteInt64(int64((ttl + 500*time.Millisecond) / time.Second))
	}
	return nil
}

func cmdKeys(c *cmdCtx) error {
	keys := c.db.store.Keys(c.arg(1))
	c.w.WriteArray(len(keys))
	for _, key := range keys {
		c.w.WriteBulkString(key)
	}
	return nil
}

func cmdScan(c *cmdCtx) error {
	cursor, err := strconv.ParseUint(c.arg(1), 10, 64)
	if err != nil {
		return replyError("ERR invalid cursor")
	}

	pattern := "*"
	count := 10

	for i := 2; i < len(c.args); i++ {
		switch upper(c.args[i]) {
		case "MATCH":
			if i+1 >= len(c.args) {
				return types.ErrStoreSyntax
			}
			i++
			pattern = c.arg(i)
		case "COUNT":
			if i+1 >= len(c.args) {
				return types.ErrStoreSyntax
			}
			i++
			n, err := strconv.Atoi(c.arg(i))
			if err != nil || n < 1 {
				return types.ErrStoreSyntax
			}
			count = n
		case "TYPE":
			if i+1 >= len(c.args) {
				return types.ErrStoreSyntax
			}
			i++
			if strings.ToLower(c.arg(i)) != "string" {
				pattern = ""
				count = 0
			}
		default:
			return types.ErrStoreSyntax
		}
	}

	var (
		next uint64
		keys []string
	)
	if pattern != "" {
		next, keys = c.db.store.Scan(cursor, pattern, count)
	}

	c.w.WriteArray(2)
	c.w.WriteBulkString(strconv.FormatUint(next, 10))
	c.w.WriteArray(len(keys))
	for _, key := range keys {
		c.w.WriteBulkString(key)
	}
	return nil
}

func cmdDBSize(c *cmdCtx) error {
	c.w.WriteInt64(int64(c.db.store.Len()))
	return nil
}

func cmdFlush(c *cmdCtx) error {
	c.db.store.Flush()
	if !c.replaying {
		c.db.appendLog([]byte("FLUSHALL"))
	}
	c.w.WriteString("OK")
	return nil
}

func cmdRewrite(c *cmdCtx) error {
	if c.db.aof == nil {
		return replyError("ERR append only file is disabled")
	}

	go func() {
		if err := c.db.RewriteAOF(); err != nil {
			c.db.logger.Error("Background append only file rewrite failed", zap.Error(err))
		}
	}()

	c.w.WriteString("Background append only file rewriting started")
	return nil
}

func cmdConfig(c *cmdCtx) error {
	if upper(c.args[1]) != "GET" || len(c.args) < 3 {
		return replyError("ERR CONFIG subcommand must be GET")
	}

	settings := c.db.configSettings()
	var pairs []string

	for _, pattern := range c.args[2:] {
		glob := utils.NewGlob(strings.ToLower(string(pattern)))
		for _, name := range configNames {
			if glob.Match(name) {
				pairs = append(pairs, name, settings[name])
			}
		}
	}

	c.w.WriteArray(len(pairs))
	for _, p := range pairs {
		c.w.WriteBulkString(p)
	}
	return nil
}

var configNames = []string{
	"appendonly", "appendfilename", "appendfsync", "dir",
	"maxmemory", "maxmemory-policy", "timeout", "tcp-keepalive",
	"auto-aof-rewrite-percentage", "auto-aof-rewrite-min-size", "aof-load-truncated",
}

func (db *DB) configSettings() map[string]string {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	minSize, _ := utils.ParseSize(db.config.AutoAOFRewriteMinSize)

	return map[string]string{
		"appendonly":                  yesNo(db.config.AppendOnly),
		"appendfilename":              db.config.AppendFilename,
		"appendfsync":                 db.config.AppendFsync,
		"dir":                         db.config.Dir,
		"maxmemory":                   strconv.FormatUint(db.store.MaxMemory(), 10),
		"maxmemory-policy":            db.config.MaxMemoryPolicy,
		"timeout":                     strconv.Itoa(db.config.Timeout),
		"tcp-keepalive":               strconv.Itoa(db.config.TCPKeepAlive),
		"auto-aof-rewrite-percentage": strconv.Itoa(db.config.AutoAOFRewritePercentage),
		"auto-aof-rewrite-min-size":   strconv.FormatUint(minSize, 10),
		"aof-load-truncated":          yesNo(db.config.AOFLoadTruncated),
	}
}

func cmdInfo(c *cmdCtx) error {
	c.w.WriteBulkString(c.db.Info())
	return nil
}

// Info renders the INFO sections clients and operators look at.
func (db *DB) Info() string {
	stats := db.store.Stats()

	aofEnabled, aofSize := 0, int64(0)
	if db.aof != nil {
		aofEnabled = 1
		aofSize = db.aof.Size()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\n")
	fmt.Fprintf(&b, "redis_mode:standalone\r\n")
	fmt.Fprintf(&b, "process_id:%d\r\n", os.Getpid())
	fmt.Fprintf(&b, "tcp_port:%d\r\n", db.config.Port)
	fmt.Fprintf(&b, "uptime_in_seconds:%d\r\n", int64(time.Since(db.startedAt).Seconds()))
	fmt.Fprintf(&b, "\r\n# Memory\r\n")
	fmt.Fprintf(&b, "used_memory:%d\r\n", stats.UsedMemory)
	fmt.Fprintf(&b, "used_memory_human:%s\r\n", utils.FormatSize(stats.UsedMemory))
	fmt.Fprintf(&b, "maxmemory:%d\r\n", stats.MaxMemory)
	fmt.Fprintf(&b, "maxmemory_human:%s\r\n", utils.FormatSize(stats.MaxMemory))
	fmt.Fprintf(&b, "maxmemory_policy:%s\r\n", db.config.MaxMemoryPolicy)
	fmt.Fprintf(&b, "\r\n# Persistence\r\n")
	fmt.Fprintf(&b, "aof_enabled:%d\r\n", aofEnabled)
	fmt.Fprintf(&b, "aof_current_size:%d\r\n", aofSize)
	fmt.Fprintf(&b, "\r\n# Stats\r\n")
	fmt.Fprintf(&b, "total_commands_processed:%d\r\n", db.commands.Load())
	fmt.Fprintf(&b, "keyspace_hits:%d\r\n", stats.Hits)
	fmt.Fprintf(&b, "keyspace_misses:%d\r\n", stats.Misses)
	fmt.Fprintf(&b, "evicted_keys:%d\r\n", stats.EvictedKeys)
	fmt.Fprintf(&b, "expired_keys:%d\r\n", stats.ExpiredKeys)
	fmt.Fprintf(&b, "\r\n# Keyspace\r\n")
	if stats.Keys > 0 {
		fmt.Fprintf(&b, "db0:keys=%d,expires=%d\r\n", stats.Keys, stats.Expires)
	}

	return b.String()
}
