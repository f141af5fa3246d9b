//go:build windows

package webgpu

// addF16Shader owns one 32-bit word of c per iteration, so neighbouring
// invocations never write the same word. Halves of the word outside
// [c_off, c_off+n) keep their contents.
const addF16Shader = `
struct Params {
	n: u32,
	a_off: u32,
	b_off: u32,
	c_off: u32,
	words: u32,
	items: u32,
	_pad0: u32,
	_pad1: u32,
}

@group(0) @binding(0) var<storage, read> a: array<u32>;
@group(0) @binding(1) var<storage, read> b: array<u32>;
@group(0) @binding(2) var<storage, read_write> c: array<u32>;
@group(0) @binding(3) var<uniform> p: Params;

fn load_a(i: u32) -> f32 {
	let pair = unpack2x16float(a[i >> 1u]);
	return select(pair.x, pair.y, (i & 1u) == 1u);
}

fn load_b(i: u32) -> f32 {
	let pair = unpack2x16float(b[i >> 1u]);
	return select(pair.x, pair.y, (i & 1u) == 1u);
}

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let first = p.c_off >> 1u;
	for (var w = gid.x; w < p.words; w = w + p.items) {
		let word = first + w;
		var pair = unpack2x16float(c[word]);
		let e0 = word * 2u;
		if (e0 >= p.c_off && e0 - p.c_off < p.n) {
			let e = e0 - p.c_off;
			pair.x = load_a(p.a_off + e) + load_b(p.b_off + e);
		}
		let e1 = e0 + 1u;
		if (e1 >= p.c_off && e1 - p.c_off < p.n) {
			let e = e1 - p.c_off;
			pair.y = load_a(p.a_off + e) + load_b(p.b_off + e);
		}
		c[word] = pack2x16float(pair);
	}
}
`

// gemmBF16Shader computes one element of D per invocation on 16x16
// workgroups, accumulating in float32 in ascending K order.
const gemmBF16Shader = `
struct Params {
	m: u32,
	n: u32,
	k: u32,
	a_off: u32,
	lda: u32,
	b_off: u32,
	ldb: u32,
	d_off: u32,
	ldd: u32,
	c_off: u32,
	ldc: u32,
	c_mode: u32,
	alpha: f32,
	beta: f32,
	_pad0: u32,
	_pad1: u32,
}

@group(0) @binding(0) var<storage, read> a: array<u32>;
@group(0) @binding(1) var<storage, read> b: array<u32>;
@group(0) @binding(2) var<storage, read> c: array<f32>;
@group(0) @binding(3) var<storage, read_write> d: array<f32>;
@group(0) @binding(4) var<uniform> p: Params;

fn bf16(word: u32, odd: bool) -> f32 {
	let bits = select(word & 0xffffu, word >> 16u, odd);
	return bitcast<f32>(bits << 16u);
}

fn load_a(i: u32) -> f32 {
	return bf16(a[i >> 1u], (i & 1u) == 1u);
}

fn load_b(i: u32) -> f32 {
	return bf16(b[i >> 1u], (i & 1u) == 1u);
}

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let col = gid.x;
	let row = gid.y;
	if (row >= p.m || col >= p.n) {
		return;
	}
	var acc = 0.0;
	for (var kk = 0u; kk < p.k; kk = kk + 1u) {
		acc = acc + load_a(p.a_off + row * p.lda + kk) * load_b(p.b_off + kk * p.ldb + col);
	}
	let out = p.d_off + row * p.ldd + col;
	var prior = 0.0;
	if (p.c_mode == 1u) {
		prior = c[p.c_off + row * p.ldc + col];
	} else if (p.c_mode == 2u) {
		prior = d[out];
	}
	d[out] = p.alpha * acc + p.beta * prior;
}
`
