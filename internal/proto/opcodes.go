package proto

// Opcode is the first element of every instruction, naming its kind.
type Opcode string

// Handshake opcodes (spec.md §4.H, §6).
const (
	OpSelect     Opcode = "select"
	OpArgs       Opcode = "args"
	OpSize       Opcode = "size"
	OpAudio      Opcode = "audio"
	OpVideo      Opcode = "video"
	OpImage      Opcode = "image"
	OpConnect    Opcode = "connect"
	OpReady      Opcode = "ready"
	OpName       Opcode = "name"
	OpDisconnect Opcode = "disconnect"
	OpError      Opcode = "error"
)

// Control opcodes.
const (
	OpAck  Opcode = "ack"
	OpNop  Opcode = "nop"
	OpSync Opcode = "sync"
	OpMouse Opcode = "mouse"
	OpKey   Opcode = "key"
)

// Drawing opcodes.
const (
	OpRect     Opcode = "rect"
	OpClip     Opcode = "clip"
	OpCFill    Opcode = "cfill"
	OpCopy     Opcode = "copy"
	OpTransfer Opcode = "transfer"
	OpImg      Opcode = "img"
	OpCursor   Opcode = "cursor"
)

// Layer opcodes. size/move/shade/dispose act on layer handles; size is
// also used in the handshake to negotiate display size. Both forms carry
// three arguments, so the serializer has a separate emitter for each
// (EmitLayerSize, EmitDisplaySize) and the caller picks one.
const (
	OpMove    Opcode = "move"
	OpShade   Opcode = "shade"
	OpDispose Opcode = "dispose"
)

// Streaming opcodes.
const (
	OpFile       Opcode = "file"
	OpPipe       Opcode = "pipe"
	OpClipboard  Opcode = "clipboard"
	OpBlob       Opcode = "blob"
	OpEnd        Opcode = "end"
	OpBody       Opcode = "body"
	OpFilesystem Opcode = "filesystem"
)

// CFill composite modes (§4.E `cfill(mode,layer,rgba)`); these mirror the
// small closed set of Porter-Duff-style operators a compositing protocol
// needs without pinning this core to any one backend's full set.
const (
	CFillModeSrc     = 3
	CFillModeSrcOver = 12
	CFillModeClear   = 0
)
