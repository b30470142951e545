package harness

// nodePreamble works unchanged as CommonJS (.cjs) and as an ES module
// (.mjs); it only uses const declarations and function statements.
const nodePreamble = `const AUTOMN_RUN_ID = {{RUN_ID_JSON}};
const __AUTOMN_MARKER_RETURN = "__SCRIPTRETURN__";
const __AUTOMN_MARKER_LOG = "__SCRIPTLOG__";
const __AUTOMN_MARKER_NOTIFY = "__SCRIPTNOTIFY__";
const __AUTOMN_JSON_DEPTH = 32;

function __automnPrune(value, depth) {
  if (depth >= __AUTOMN_JSON_DEPTH) return null;
  if (Array.isArray(value)) return value.map((v) => __automnPrune(v, depth + 1));
  if (value !== null && typeof value === "object") {
    const out = {};
    for (const key of Object.keys(value)) out[key] = __automnPrune(value[key], depth + 1);
    return out;
  }
  if (typeof value === "undefined") return null;
  if (typeof value === "function") return String(value);
  return value;
}

function __automnJson(value) {
  try {
    return JSON.stringify(__automnPrune(value, 0));
  } catch (err) {
    return JSON.stringify(String(value));
  }
}

function __automnNotifyLevel(level) {
  const lvl = String(level || "info").toLowerCase();
  if (lvl === "warn" || lvl === "warning") return "warn";
  if (lvl === "error") return "error";
  return "info";
}

function AutomnReturn(data) {
  process.stdout.write(__AUTOMN_MARKER_RETURN + __automnJson(data) + "\n");
}

function AutomnLog(message, level, context, type) {
  process.stdout.write(__AUTOMN_MARKER_LOG + __automnJson({
    message: String(message),
    level: level || "info",
    context: typeof context === "undefined" ? null : context,
    type: type || "general",
  }) + "\n");
}

function AutomnNotify(audience, message, level) {
  process.stdout.write(__AUTOMN_MARKER_NOTIFY + __automnJson({
    audience: typeof audience === "undefined" ? null : audience,
    message: String(message),
    level: __automnNotifyLevel(level),
  }) + "\n");
}

function AutomnRunLog(...values) {
  const parts = values.map((v) =>
    v !== null && typeof v === "object" ? __automnJson(v) : String(v));
  process.stdout.write(parts.join(" ") + "\n");
}
`
