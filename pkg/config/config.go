// Package config holds the compile-time configuration surface of spec.md
// §6 as a runtime-constructed struct, loaded the way cmd/dnsproxy/config.go
// loads its TOML config: a plain repr struct decoded with BurntSushi/toml,
// then handed to stack constructors.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the full tunable surface. Zero value is invalid; use Default()
// or Load().
type Config struct {
	// Memory.
	MemSize          int `toml:"mem_size"`           // heap bytes for RAM pbufs
	PbufPoolSize     int `toml:"pbuf_pool_size"`      // pbuf pool element count
	PbufPoolBufSize  int `toml:"pbuf_pool_bufsize"`   // pbuf pool element size
	MempNumTCPPCB    int `toml:"memp_num_tcp_pcb"`
	MempNumTCPListen int `toml:"memp_num_tcp_pcb_listen"`
	MempNumTCPSeg    int `toml:"memp_num_tcp_seg"`
	MempNumUDPPCB    int `toml:"memp_num_udp_pcb"`
	MempNumReassdata int `toml:"memp_num_reassdata"`
	MempNumNetbuf    int `toml:"memp_num_netbuf"`
	MempNumNetconn   int `toml:"memp_num_netconn"`
	MempNumTimeout   int `toml:"memp_num_sys_timeout"`

	// TCP tunables.
	TCPMSS          int  `toml:"tcp_mss"`
	TCPWnd          int  `toml:"tcp_wnd"`
	TCPSndBuf       int  `toml:"tcp_snd_buf"`
	TCPSndQueuelen  int  `toml:"tcp_snd_queuelen"`
	TCPMaxRTX       int  `toml:"tcp_maxrtx"`
	TCPSynMaxRTX    int  `toml:"tcp_synmaxrtx"`
	TCPQueueOOSeq   bool `toml:"tcp_queue_ooseq"`
	TCPWindowScale  bool `toml:"tcp_window_scale"`  // optional, off by default (spec.md §9 Q3)
	TCPTimestamps   bool `toml:"tcp_timestamps"`    // optional, off by default (spec.md §9 Q3)
	TCPSackPermit   bool `toml:"tcp_sack_permitted"`
	TCPKeepIdleSecs  int  `toml:"tcp_keep_idle_secs"`
	TCPKeepIntvlSecs int  `toml:"tcp_keep_intvl_secs"`
	TCPKeepCnt       int  `toml:"tcp_keep_cnt"`

	// IP behavior flags.
	IPForward     bool `toml:"ip_forward"`
	IPReassembly  bool `toml:"ip_reassembly"`
	IPFrag        bool `toml:"ip_frag"`
	IPOptions     bool `toml:"ip_options"`
	IPDefaultTTL  int  `toml:"ip_default_ttl"`
	IPReassMaxAge int  `toml:"ip_reass_maxage"` // seconds

	// Feature flags.
	LwipDHCP  bool `toml:"lwip_dhcp"`
	LwipAutoIP bool `toml:"lwip_autoip"`
	LwipIGMP  bool `toml:"lwip_igmp"` // parsed for fidelity; pkg/ip never honors it (DESIGN.md)
	LwipICMP  bool `toml:"lwip_icmp"`

	// Mode selection.
	NoSys               bool `toml:"no_sys"`                // selects callback-only mode
	SysLightweightProt  bool `toml:"sys_lightweight_prot"`  // selects critical-section protocol
}

// Default returns lwIP's own conventional defaults, adapted to this
// implementation's pool shapes.
func Default() *Config {
	return &Config{
		MemSize:          16000,
		PbufPoolSize:     16,
		PbufPoolBufSize:  1528,
		MempNumTCPPCB:    32,
		MempNumTCPListen: 8,
		MempNumTCPSeg:    256,
		MempNumUDPPCB:    16,
		MempNumReassdata: 8,
		MempNumNetbuf:    8,
		MempNumNetconn:   16,
		MempNumTimeout:   16,

		TCPMSS:         536,
		TCPWnd:         4 * 536,
		TCPSndBuf:      8 * 536,
		TCPSndQueuelen: 16,
		TCPMaxRTX:      12,
		TCPSynMaxRTX:   6,
		TCPQueueOOSeq:  true,
		TCPKeepIdleSecs:  7200,
		TCPKeepIntvlSecs: 75,
		TCPKeepCnt:       9,

		IPForward:     false,
		IPReassembly:  true,
		IPFrag:        true,
		IPOptions:     false,
		IPDefaultTTL:  64,
		IPReassMaxAge: 15,

		LwipICMP: true,

		NoSys:              false,
		SysLightweightProt: true,
	}
}

// Load decodes a TOML file on top of Default(), the way configRepr is
// decoded in the teacher's cmd/dnsproxy/config.go.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.WithStack(err)
	}
	return c, nil
}
