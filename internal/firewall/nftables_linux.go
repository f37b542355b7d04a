//go:build linux

package firewall

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"grimm.is/apwatch/internal/logging"
)

const (
	defaultNFTablesTable = "apwatch"
	nftablesChain        = "forward"
)

// NFTablesConn is the subset of *nftables.Conn used by NFTables.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	InsertRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// NFTablesOptions configures an NFTables filter.
type NFTablesOptions struct {
	Conn   NFTablesConn // default: a new netlink connection
	Table  string       // default "apwatch"
	Logger *logging.Logger
}

// NFTables manages drop rules in a dedicated nftables table.
// Each rule carries its destination in UserData so it can be found again.
type NFTables struct {
	mu     sync.Mutex
	conn   NFTablesConn
	table  *nftables.Table
	chain  *nftables.Chain
	ready  bool
	logger *logging.Logger
}

// NewNFTables creates an nftables-backed filter. The table and chain are
// created lazily on the first mutation.
func NewNFTables(opts NFTablesOptions) (*NFTables, error) {
	conn := opts.Conn
	if conn == nil {
		c, err := nftables.New()
		if err != nil {
			return nil, fmt.Errorf("failed to open nftables connection: %w", err)
		}
		conn = c
	}
	name := opts.Table
	if name == "" {
		name = defaultNFTablesTable
	}
	table := &nftables.Table{Name: name, Family: nftables.TableFamilyIPv4}
	return &NFTables{
		conn:  conn,
		table: table,
		chain: &nftables.Chain{
			Name:     nftablesChain,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookForward,
			Priority: nftables.ChainPriorityFilter,
		},
		logger: logging.OrDefault(opts.Logger).WithComponent("firewall"),
	}, nil
}

func (f *NFTables) ensureLocked() error {
	if f.ready {
		return nil
	}
	f.conn.AddTable(f.table)
	f.conn.AddChain(f.chain)
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("failed to create table %s: %w", f.table.Name, err)
	}
	f.ready = true
	f.logger.Info("nftables chain ready", "table", f.table.Name, "chain", f.chain.Name)
	return nil
}

// InsertDrop inserts a drop rule for dst at the head of the forward chain.
func (f *NFTables) InsertDrop(ctx context.Context, dst string) error {
	prefix, err := ParseDestination(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLocked(); err != nil {
		return err
	}
	f.conn.InsertRule(&nftables.Rule{
		Table:    f.table,
		Chain:    f.chain,
		Exprs:    dropExprs(prefix),
		UserData: []byte(FormatDestination(prefix)),
	})
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("failed to insert drop rule for %s: %w", dst, err)
	}
	return nil
}

// DeleteDrop removes the first drop rule tagged with dst.
func (f *NFTables) DeleteDrop(ctx context.Context, dst string) error {
	prefix, err := ParseDestination(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLocked(); err != nil {
		return err
	}
	rules, err := f.conn.GetRules(f.table, f.chain)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	tag := FormatDestination(prefix)
	for _, r := range rules {
		if string(r.UserData) != tag {
			continue
		}
		if err := f.conn.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete drop rule for %s: %w", dst, err)
		}
		if err := f.conn.Flush(); err != nil {
			return fmt.Errorf("failed to delete drop rule for %s: %w", dst, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s in %s/%s", ErrRuleNotFound, dst, f.table.Name, f.chain.Name)
}

// InsertClientDrop inserts one drop rule per client tag at the head of
// the forward chain.
func (f *NFTables) InsertClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	tags, err := clientTags(mac, ip)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLocked(); err != nil {
		return err
	}
	f.conn.InsertRule(&nftables.Rule{
		Table:    f.table,
		Chain:    f.chain,
		Exprs:    sourceMACExprs(mac),
		UserData: []byte(tags[0]),
	})
	if ip.IsValid() {
		f.conn.InsertRule(&nftables.Rule{
			Table:    f.table,
			Chain:    f.chain,
			Exprs:    sourceIPExprs(ip),
			UserData: []byte(tags[1]),
		})
	}
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("failed to insert client drop rules for %s: %w", mac, err)
	}
	return nil
}

// DeleteClientDrop removes the first rule carrying each client tag.
func (f *NFTables) DeleteClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	tags, err := clientTags(mac, ip)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLocked(); err != nil {
		return err
	}
	rules, err := f.conn.GetRules(f.table, f.chain)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	found := 0
	for _, tag := range tags {
		for _, r := range rules {
			if string(r.UserData) != tag {
				continue
			}
			if err := f.conn.DelRule(r); err != nil {
				return fmt.Errorf("failed to delete client drop rule %s: %w", tag, err)
			}
			found++
			break
		}
	}
	if found == 0 {
		return fmt.Errorf("%w: client %s in %s/%s", ErrRuleNotFound, mac, f.table.Name, f.chain.Name)
	}
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete client drop rules for %s: %w", mac, err)
	}
	return nil
}

// sourceMACExprs matches the Ethernet source address and drops.
func sourceMACExprs(mac net.HardwareAddr) []expr.Any {
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseLLHeader,
			Offset:       6, // source follows the 6-byte destination
			Len:          6,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(mac)},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// sourceIPExprs matches the IPv4 source address and drops.
func sourceIPExprs(ip netip.Addr) []expr.Any {
	addr := ip.As4()
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr[:]},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// dropExprs matches the IPv4 destination address against p and drops.
func dropExprs(p netip.Prefix) []expr.Any {
	addr := p.Addr().As4()
	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       16, // Destination address offset
			Len:          4,
		},
	}
	if p.Bits() < 32 {
		mask := ^uint32(0) << (32 - p.Bits())
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.BigEndian.PutUint32(mask),
			Xor:            binaryutil.BigEndian.PutUint32(0),
		})
	}
	return append(exprs,
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     addr[:],
		},
		&expr.Verdict{Kind: expr.VerdictDrop},
	)
}
